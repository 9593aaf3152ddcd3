package kcon

import (
	"bytes"
	"strings"
	"testing"
)

func testConsole(level Level) (*KConsole, *bytes.Buffer) {
	var buf bytes.Buffer
	return &KConsole{w: &buf, level: level}, &buf
}

func TestParseLevel(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Level
	}{
		{"debug", Debug},
		{"info", Info},
		{"notice", Notice},
		{"warn", Warn},
		{"warning", Warn},
		{"err", Err},
		{"error", Err},
	} {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for _, invalid := range []string{"", "console", "DEBUG", "verbose"} {
		if _, err := ParseLevel(invalid); err == nil {
			t.Errorf("ParseLevel(%q) unexpectedly succeeded", invalid)
		}
	}
}

func TestThreshold(t *testing.T) {
	k, buf := testConsole(Info)
	k.Debugf("hidden")
	k.Infof("shown")
	k.Critf("loud")
	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("debug record emitted below threshold: %q", got)
	}
	want := "<6>ignited: shown\n<2>ignited: loud\n"
	if got != want {
		t.Errorf("emitted %q, want %q", got, want)
	}
}

func TestChangeVerbosity(t *testing.T) {
	k, buf := testConsole(Info)
	k.ChangeVerbosity(Debug)
	k.Debugf("now visible")
	if want := "<7>ignited: now visible\n"; buf.String() != want {
		t.Errorf("emitted %q, want %q", buf.String(), want)
	}
}

func TestFraming(t *testing.T) {
	k, buf := testConsole(Debug)
	k.Warnf("trailing newline stripped\n")
	if want := "<4>ignited: trailing newline stripped\n"; buf.String() != want {
		t.Errorf("emitted %q, want %q", buf.String(), want)
	}
}

func TestBufDefersUntilFlush(t *testing.T) {
	k, buf := testConsole(Info)
	b := NewBuf(k)
	b.Debugf("first")
	b.Warnf("second")
	if buf.Len() != 0 {
		t.Fatalf("buffer emitted before flush: %q", buf.String())
	}
	b.FlushWithLevel(Debug)
	want := "<7>ignited: first\n<4>ignited: second\n"
	if buf.String() != want {
		t.Errorf("flush emitted %q, want %q", buf.String(), want)
	}
	if k.Verbosity() != Debug {
		t.Errorf("verbosity = %v, want %v", k.Verbosity(), Debug)
	}
	// After flushing, records pass straight through.
	b.Infof("third")
	if !strings.HasSuffix(buf.String(), "<6>ignited: third\n") {
		t.Errorf("post-flush record not forwarded: %q", buf.String())
	}
}

func TestBufFlushRespectsThreshold(t *testing.T) {
	k, buf := testConsole(Info)
	b := NewBuf(k)
	b.Debugf("noise")
	b.Errf("problem")
	b.FlushWithLevel(Err)
	want := "<3>ignited: problem\n"
	if buf.String() != want {
		t.Errorf("flush emitted %q, want %q", buf.String(), want)
	}
}
