package kmod

import (
	"sync"

	"github.com/hugo-cuenca/ignited/internal/config"
	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// ModulesDir is where the image generator places module blobs.
const ModulesDir = "/usr/lib/modules"

// Loader loads kernel modules concurrently while honoring the
// dependency graph from the runtime configuration. The shared ledger
// (loaded, loading) sits under one mutex; no syscall happens while it
// is held.
type Loader struct {
	kmsg       *kcon.KConsole
	modulesDir string
	aliases    *ModAliases
	params     *ModParams

	builtin  map[string]struct{}
	deps     map[string][]string
	postDeps map[string][]string
	opts     map[string]string

	// insmod performs the actual kernel load; tests substitute it.
	insmod func(module, params string) error

	mu      sync.Mutex
	loaded  map[string]struct{}
	loading map[string][]*sync.WaitGroup
}

// NewLoader builds a loader from the frozen runtime configuration.
func NewLoader(kmsg *kcon.KConsole, cfg *config.RuntimeConfig, aliases *ModAliases, params *ModParams) *Loader {
	l := &Loader{
		kmsg:       kmsg,
		modulesDir: ModulesDir,
		aliases:    aliases,
		params:     params,
		builtin:    make(map[string]struct{}),
		deps:       make(map[string][]string),
		postDeps:   make(map[string][]string),
		opts:       make(map[string]string),
		loaded:     make(map[string]struct{}),
		loading:    make(map[string][]*sync.WaitGroup),
	}
	l.insmod = l.insertModule
	for _, m := range cfg.Metadata.ModuleBuiltin {
		l.builtin[NormalizeModuleName(m)] = struct{}{}
	}
	for m, d := range cfg.Metadata.ModuleDeps {
		l.deps[NormalizeModuleName(m)] = d
	}
	for m, d := range cfg.Metadata.ModulePostDeps {
		l.postDeps[NormalizeModuleName(m)] = d
	}
	for m, o := range cfg.Metadata.ModuleOpts {
		l.opts[NormalizeModuleName(m)] = o
	}
	return l
}

// LoadModules requests modules (plus their transitive pre-dependencies
// and direct post-dependencies) and returns a completion token. The
// token's Wait returns once everything requested has finished loading.
// Loading itself happens on per-module workers; this never blocks.
func (l *Loader) LoadModules(modules []string) *sync.WaitGroup {
	wg := new(sync.WaitGroup)
	l.mu.Lock()
	l.loadLocked(modules, wg)
	l.mu.Unlock()
	return wg
}

// LoadModalias matches alias against the table and loads whatever
// matched. The returned token is nil when the alias was a repeat or
// matched nothing.
func (l *Loader) LoadModalias(alias string) (*sync.WaitGroup, error) {
	mods, err := l.aliases.Match(alias)
	if err != nil {
		return nil, err
	}
	if len(mods) == 0 {
		return nil, nil
	}
	l.kmsg.Debugf("modalias %s -> %v", alias, mods)
	return l.LoadModules(mods), nil
}

// loadLocked enqueues modules under the caller's token. Callers hold
// l.mu.
func (l *Loader) loadLocked(modules []string, wg *sync.WaitGroup) {
	for _, name := range modules {
		m := NormalizeModuleName(name)
		if _, ok := l.loaded[m]; ok {
			continue
		}
		if _, ok := l.builtin[m]; ok {
			continue
		}
		wg.Add(1)
		if tokens, ok := l.loading[m]; ok {
			// Another worker owns this module; ride along.
			l.loading[m] = append(tokens, wg)
			continue
		}
		l.loading[m] = []*sync.WaitGroup{wg}

		depsWg := new(sync.WaitGroup)
		l.loadLocked(l.deps[m], depsWg)
		go l.worker(m, depsWg)
	}
}

// worker loads one module once its pre-dependencies are done, then
// flips the ledger entry and submits post-dependencies under every
// waiting token before releasing it.
func (l *Loader) worker(m string, depsWg *sync.WaitGroup) {
	depsWg.Wait()

	params := l.opts[m]
	if mp := l.params.Joined(m); mp != "" {
		if params != "" {
			params += " "
		}
		params += mp
	}
	if err := l.insmod(m, params); err != nil {
		// The module stays parked in loading and its waiters stay
		// blocked; the orchestrator bounds its wait on the forced
		// modules (waitForceModules in cmd/ignited).
		l.kmsg.Critf("unable to load module %s: %v", m, err)
		return
	}
	l.kmsg.Debugf("module %s loaded", m)

	l.mu.Lock()
	tokens := l.loading[m]
	delete(l.loading, m)
	l.loaded[m] = struct{}{}
	for _, tok := range tokens {
		l.loadLocked(l.postDeps[m], tok)
		tok.Done()
	}
	l.mu.Unlock()
}
