// Package kmod loads kernel modules: alias matching, the concurrent
// dependency-aware loader, and the finit_module plumbing.
package kmod

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

// ModAlias maps one modalias glob pattern to a module name.
type ModAlias struct {
	Pattern string
	Module  string
}

// ModAliases is the ordered alias table plus the record of alias
// strings already dispatched. A given alias string is matched at most
// once per boot, no matter whether the uevent listener or the sysfs
// walker saw it first.
type ModAliases struct {
	aliases []ModAlias

	mu   sync.Mutex
	seen map[string]struct{}
}

// LoadAliases parses the alias table written by the image generator.
// One line per alias, pattern and module separated by exactly one
// space. Blank or malformed lines fail loudly: the table is generated,
// so damage means a broken image.
func LoadAliases(path string) (*ModAliases, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("error while reading module aliases: %w", err)
	}
	defer f.Close()
	return parseAliases(f)
}

func parseAliases(r io.Reader) (*ModAliases, error) {
	a := &ModAliases{seen: make(map[string]struct{})}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Text()
		pattern, module, found := strings.Cut(line, " ")
		if !found || pattern == "" || module == "" || strings.Contains(module, " ") {
			return nil, xerrors.Errorf("error while reading module aliases: malformed line %d: %q", n, line)
		}
		a.aliases = append(a.aliases, ModAlias{Pattern: pattern, Module: module})
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("error while reading module aliases: %w", err)
	}
	return a, nil
}

// Match returns the modules whose patterns cover alias — but only the
// first time this alias string is seen; repeats return nothing.
func (a *ModAliases) Match(alias string) ([]string, error) {
	a.mu.Lock()
	_, dup := a.seen[alias]
	a.seen[alias] = struct{}{}
	a.mu.Unlock()
	if dup {
		return nil, nil
	}

	var mods []string
	for _, ma := range a.aliases {
		matched, err := filepath.Match(ma.Pattern, alias)
		if err != nil {
			return nil, xerrors.Errorf("bad alias pattern %q: %w", ma.Pattern, err)
		}
		if matched {
			mods = append(mods, ma.Module)
		}
	}
	return mods, nil
}
