package kmod

import "strings"

// NormalizeModuleName folds dashes to underscores: aliases refer to
// e.g. acpi_cpufreq while the blob ships as acpi-cpufreq.ko, and the
// configuration may use either spelling.
func NormalizeModuleName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// ModParams accumulates per-module parameters from the kernel command
// line, keyed by normalized module name. Parameter order within a
// module is insertion order.
type ModParams struct {
	params map[string][]string
}

// NewModParams returns an empty parameter map.
func NewModParams() *ModParams {
	return &ModParams{params: make(map[string][]string)}
}

// Insert records key=value for module.
func (p *ModParams) Insert(module, key, value string) {
	module = NormalizeModuleName(module)
	p.params[module] = append(p.params[module], key+"="+value)
}

// Get returns the recorded key=value strings for module, in insertion
// order.
func (p *ModParams) Get(module string) []string {
	return p.params[NormalizeModuleName(module)]
}

// Joined returns the parameters of module as a single space-separated
// string, the form finit_module expects.
func (p *ModParams) Joined(module string) string {
	return strings.Join(p.Get(module), " ")
}
