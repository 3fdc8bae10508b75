// Package qtest names the quality-test plugin collaborator interface.
// Per §1's scope, the plugins that actually evaluate data quality are
// out of scope for the networking fabric; the fabric only needs to run
// a registered plugin against an element and forward the verdict.
package qtest

import "github.com/dqm4hep/netfabric/internal/melement"

// Verdict is a quality test's conclusion about one element.
type Verdict struct {
	Passed bool
	Reason string
}

// Plugin is the named collaborator interface a quality-test
// implementation satisfies.
type Plugin interface {
	Name() string
	Run(e melement.Element) Verdict
}

// Registry tracks the set of loaded plugins by name, mirroring the
// way the out-of-scope plugin manager discovery would be threaded
// through construction per the Design Notes rather than kept as a
// global singleton.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p, keyed by its own name. A later Register under the
// same name replaces the earlier one.
func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

// Lookup returns the plugin registered under name, if any.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}
