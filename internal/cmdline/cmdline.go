// Package cmdline parses the kernel command line into the root mount
// specification, verbosity, module parameters and the init path.
package cmdline

import (
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/hugo-cuenca/ignited/internal/blockdev"
	"github.com/hugo-cuenca/ignited/internal/kcon"
	"github.com/hugo-cuenca/ignited/internal/kmod"
	"github.com/hugo-cuenca/ignited/internal/mounts"
)

// DefaultInit is executed after the pivot unless init= says otherwise.
const DefaultInit = "/sbin/init"

// Args is everything the command line decided.
type Args struct {
	Init      string
	Root      *mounts.RootOptsBuilder
	Resume    blockdev.Source
	ModParams *kmod.ModParams
}

// parser carries the mutable state of one parse run. Diagnostics go
// through the deferred buffer because the verbosity threshold is
// itself being parsed.
type parser struct {
	kbuf         *kcon.Buf
	verbosity    kcon.Level
	hasVerbosity bool
	args         *Args
	err          error
}

// ParseProcCmdline parses /proc/cmdline. The autodiscover callback
// supplies a root source when the command line names none.
func ParseProcCmdline(kmsg *kcon.KConsole, autodiscover func() (blockdev.Source, error)) (*Args, error) {
	b, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return nil, xerrors.Errorf("unable to read /proc/cmdline: %w", err)
	}
	return Parse(kmsg, strings.Fields(string(b)), autodiscover)
}

// Parse processes tokens in order, then finalizes: commit verbosity,
// flush deferred diagnostics, autodiscover the root if necessary.
func Parse(kmsg *kcon.KConsole, tokens []string, autodiscover func() (blockdev.Source, error)) (*Args, error) {
	p := &parser{
		kbuf: kcon.NewBuf(kmsg),
		args: &Args{
			Init:      DefaultInit,
			Root:      new(mounts.RootOptsBuilder),
			ModParams: kmod.NewModParams(),
		},
	}
	for _, tok := range tokens {
		p.dispatch(tok)
		if p.err != nil {
			break
		}
	}

	level := kcon.DefaultLevel
	if p.hasVerbosity {
		level = p.verbosity
	}
	p.kbuf.FlushWithLevel(level)
	if p.err != nil {
		return nil, p.err
	}

	if p.args.Root.GetSource() == nil {
		kmsg.Infof("root= not specified, using GPT partition autodiscovery")
		src, err := autodiscover()
		if err != nil {
			return nil, err
		}
		p.args.Root.Source(src)
	}
	kmsg.DisableThrottlingOnVerbose()
	return p.args, nil
}

func (p *parser) dispatch(tok string) {
	key, value, hasValue := strings.Cut(tok, "=")
	switch key {
	case "ignited.log":
		p.setVerbosityToken(value)
	case "booster.log":
		// Legacy spelling: a comma list where the first valid level
		// wins; "console" selected an output the kmsg sink does not
		// have.
		for _, v := range strings.Split(value, ",") {
			if v == "console" {
				continue
			}
			if level, err := kcon.ParseLevel(v); err == nil {
				p.setVerbosity(level)
				break
			}
		}
	case "booster.debug":
		p.kbuf.Warnf("booster.debug is deprecated, use ignited.log=debug")
		p.setVerbosity(kcon.Debug)
	case "quiet":
		p.setVerbosity(kcon.Err)
	case "root":
		src := blockdev.ParseSource(value)
		if src == nil {
			p.err = xerrors.Errorf("unable to parse root=%s", value)
			return
		}
		p.args.Root.Source(src)
	case "rootfstype":
		p.args.Root.Fstype(value)
	case "rootflags":
		p.args.Root.AddOpts(value)
	case "ro":
		p.args.Root.RO()
	case "rw":
		p.args.Root.RW()
	case "resume":
		src := blockdev.ParseSource(value)
		if src == nil {
			p.err = xerrors.Errorf("unable to parse resume=%s", value)
			return
		}
		if p.args.Resume == nil {
			p.args.Resume = src
		}
	case "init":
		if strings.ContainsRune(value, 0) {
			p.err = xerrors.Errorf("init= path contains NUL")
			return
		}
		p.args.Init = value
	default:
		if strings.HasPrefix(key, "rd.luks.") {
			p.kbuf.Warnf("%s is recognized but not implemented", key)
			return
		}
		if module, param, found := strings.Cut(key, "."); found && hasValue && module != "" && param != "" {
			p.args.ModParams.Insert(module, param, value)
			return
		}
		p.kbuf.Warnf("invalid key %q", key)
	}
}

// setVerbosityToken parses an explicit level token, complaining about
// garbage without aborting the boot.
func (p *parser) setVerbosityToken(value string) {
	level, err := kcon.ParseLevel(value)
	if err != nil {
		p.kbuf.Warnf("%v", err)
		return
	}
	p.setVerbosity(level)
}

// setVerbosity applies first-wins semantics across every
// verbosity-setting key.
func (p *parser) setVerbosity(level kcon.Level) {
	if p.hasVerbosity {
		return
	}
	p.verbosity = level
	p.hasVerbosity = true
}
