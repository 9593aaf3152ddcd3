package kcon

import "fmt"

type bufEntry struct {
	level Level
	msg   string
}

// Buf queues records until the verbosity threshold is known. The
// kernel command line both configures verbosity and produces
// diagnostics while being parsed, so parse-time output is held here and
// drained once the final level is committed.
type Buf struct {
	kcon    *KConsole
	entries []bufEntry
	flushed bool
}

// NewBuf wraps kcon in a deferred buffer.
func NewBuf(kcon *KConsole) *Buf {
	return &Buf{kcon: kcon}
}

// FlushWithLevel commits level to the wrapped sink and drains the queue
// in arrival order. Later records bypass the queue entirely.
func (b *Buf) FlushWithLevel(level Level) {
	b.kcon.ChangeVerbosity(level)
	b.flushed = true
	for _, e := range b.entries {
		b.kcon.println(e.level, e.msg)
	}
	b.entries = nil
}

// Printf records (or, after flushing, directly emits) a message.
func (b *Buf) Printf(level Level, format string, args ...interface{}) {
	if b.flushed {
		b.kcon.Printf(level, format, args...)
		return
	}
	b.entries = append(b.entries, bufEntry{level: level, msg: fmt.Sprintf(format, args...)})
}

func (b *Buf) Debugf(format string, args ...interface{}) {
	b.Printf(Debug, format, args...)
}

func (b *Buf) Infof(format string, args ...interface{}) {
	b.Printf(Info, format, args...)
}

func (b *Buf) Warnf(format string, args ...interface{}) {
	b.Printf(Warn, format, args...)
}

func (b *Buf) Errf(format string, args ...interface{}) {
	b.Printf(Err, format, args...)
}
