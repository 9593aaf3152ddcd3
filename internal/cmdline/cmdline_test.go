package cmdline

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/hugo-cuenca/ignited/internal/blockdev"
	"github.com/hugo-cuenca/ignited/internal/kcon"
)

func noAutodiscover(t *testing.T) func() (blockdev.Source, error) {
	return func() (blockdev.Source, error) {
		t.Fatal("autodiscovery triggered despite root= being present")
		return nil, nil
	}
}

func parse(t *testing.T, cmdline string) (*Args, *kcon.KConsole, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	kmsg := kcon.NewWriter(&buf)
	args, err := Parse(kmsg, strings.Fields(cmdline), noAutodiscover(t))
	if err != nil {
		t.Fatalf("Parse(%q): %v", cmdline, err)
	}
	return args, kmsg, &buf
}

func TestParseMinimalRoot(t *testing.T) {
	args, kmsg, _ := parse(t, "root=UUID=e0805d9f-8660-431d-9cfd-134161a9f1c1 rootfstype=ext4 rw")

	want := blockdev.SourceUUID{UUID: uuid.MustParse("e0805d9f-8660-431d-9cfd-134161a9f1c1")}
	if diff := cmp.Diff(want, args.Root.GetSource()); diff != "" {
		t.Errorf("source: diff (-want +got):\n%s", diff)
	}
	if got := args.Root.GetFstype(); got != "ext4" {
		t.Errorf("fstype = %q, want ext4", got)
	}
	opts := args.Root.Build("/dev/vda2")
	if opts.Flags&unix.MS_RDONLY != 0 {
		t.Errorf("rw boot still carries RDONLY: %#x", opts.Flags)
	}
	if args.Init != "/sbin/init" {
		t.Errorf("init = %q, want /sbin/init", args.Init)
	}
	if kmsg.Verbosity() != kcon.Info {
		t.Errorf("verbosity = %v, want default info", kmsg.Verbosity())
	}
}

func TestAutodiscoveryTriggered(t *testing.T) {
	var buf bytes.Buffer
	kmsg := kcon.NewWriter(&buf)
	esp := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	rootType := uuid.MustParse("4f68bce3-e8cd-4db1-96e7-fbcaf984b709")
	called := 0
	args, err := Parse(kmsg, []string{"quiet"}, func() (blockdev.Source, error) {
		called++
		return blockdev.SourcePartType{Type: rootType, LoaderPart: esp}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if called != 1 {
		t.Fatalf("autodiscovery called %d times, want 1", called)
	}
	if kmsg.Verbosity() != kcon.Err {
		t.Errorf("verbosity = %v, want err (quiet)", kmsg.Verbosity())
	}
	want := blockdev.SourcePartType{Type: rootType, LoaderPart: esp}
	if diff := cmp.Diff(blockdev.Source(want), args.Root.GetSource()); diff != "" {
		t.Errorf("source: diff (-want +got):\n%s", diff)
	}
}

// Every verbosity-setting key obeys first-wins, in token order.
func TestVerbosityFirstWins(t *testing.T) {
	for _, tt := range []struct {
		cmdline string
		want    kcon.Level
	}{
		{"root=/dev/vda1 quiet ignited.log=debug", kcon.Err},
		{"root=/dev/vda1 ignited.log=debug quiet", kcon.Debug},
		{"root=/dev/vda1 ignited.log=notice ignited.log=warn", kcon.Notice},
		{"root=/dev/vda1 booster.log=console,info quiet", kcon.Info},
		{"root=/dev/vda1 booster.log=bogus,warn", kcon.Warn},
		{"root=/dev/vda1 booster.debug ignited.log=err", kcon.Debug},
		{"root=/dev/vda1 ignited.log=nonsense quiet", kcon.Err},
		{"root=/dev/vda1", kcon.Info},
	} {
		_, kmsg, _ := parse(t, tt.cmdline)
		if got := kmsg.Verbosity(); got != tt.want {
			t.Errorf("%q: verbosity = %v, want %v", tt.cmdline, got, tt.want)
		}
	}
}

func TestRootflags(t *testing.T) {
	args, _, _ := parse(t, "root=/dev/vda2 rootflags=nosuid,nodev,discard")
	opts := args.Root.Build("/dev/vda2")
	if opts.Flags&unix.MS_NOSUID == 0 || opts.Flags&unix.MS_NODEV == 0 {
		t.Errorf("flags = %#x, want NOSUID|NODEV set", opts.Flags)
	}
	if opts.Options != "discard" {
		t.Errorf("options = %q, want discard", opts.Options)
	}
}

func TestModParams(t *testing.T) {
	args, _, _ := parse(t, "root=/dev/vda1 i915.modeset=1 acpi-cpufreq.dyndbg=+p i915.fastboot=1")
	if got := args.ModParams.Joined("i915"); got != "modeset=1 fastboot=1" {
		t.Errorf("i915 params = %q, want %q", got, "modeset=1 fastboot=1")
	}
	if got := args.ModParams.Joined("acpi_cpufreq"); got != "dyndbg=+p" {
		t.Errorf("acpi_cpufreq params = %q, want %q", got, "dyndbg=+p")
	}
}

func TestResume(t *testing.T) {
	args, _, _ := parse(t, "root=/dev/vda1 resume=PARTUUID=e0805d9f-8660-431d-9cfd-134161a9f1c1")
	want := blockdev.SourcePartUUID{UUID: uuid.MustParse("e0805d9f-8660-431d-9cfd-134161a9f1c1")}
	if diff := cmp.Diff(blockdev.Source(want), args.Resume); diff != "" {
		t.Errorf("resume: diff (-want +got):\n%s", diff)
	}
}

func TestInitOverride(t *testing.T) {
	args, _, _ := parse(t, "root=/dev/vda1 init=/usr/lib/systemd/systemd")
	if args.Init != "/usr/lib/systemd/systemd" {
		t.Errorf("init = %q", args.Init)
	}
}

func TestMalformedRootFails(t *testing.T) {
	kmsg := kcon.NewWriter(new(bytes.Buffer))
	if _, err := Parse(kmsg, []string{"root=GARBAGE"}, noAutodiscover(t)); err == nil {
		t.Error("malformed root= unexpectedly accepted")
	}
	if _, err := Parse(kmsg, []string{"root=/dev/vda1", "resume=nope"}, noAutodiscover(t)); err == nil {
		t.Error("malformed resume= unexpectedly accepted")
	}
}

func TestUnknownKeyWarns(t *testing.T) {
	_, _, buf := parse(t, "root=/dev/vda1 frobnicate")
	if !strings.Contains(buf.String(), "invalid key") {
		t.Errorf("no warning for unknown key, log: %q", buf.String())
	}
}

func TestRdLuksReserved(t *testing.T) {
	args, _, buf := parse(t, "root=/dev/vda1 rd.luks.uuid=e0805d9f-8660-431d-9cfd-134161a9f1c1")
	if !strings.Contains(buf.String(), "not implemented") {
		t.Errorf("no warning for rd.luks.*, log: %q", buf.String())
	}
	// Must not be misread as a module parameter for a module named "rd".
	if got := args.ModParams.Get("rd"); got != nil {
		t.Errorf("rd.luks token leaked into ModParams: %v", got)
	}
}

// Parse diagnostics are deferred: a warning produced before "quiet" is
// still subject to the final Err threshold.
func TestDeferredDiagnostics(t *testing.T) {
	_, _, buf := parse(t, "root=/dev/vda1 frobnicate quiet")
	if strings.Contains(buf.String(), "invalid key") {
		t.Errorf("deferred warning emitted above final threshold, log: %q", buf.String())
	}
}
