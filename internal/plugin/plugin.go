// Package plugin implements the request pipeline: a topologically
// ordered vector of handlers, each free to continue the chain, emit a
// response, drop the request silently, or abort with an error. Plugins
// declare prerequisites by name; a dependency cycle is a startup fatal.
package plugin

import (
	"context"
	"fmt"

	"github.com/coredora/coredora/internal/dhcpmodel"
	derrors "github.com/coredora/coredora/internal/errors"
)

// Plugin is a named pipeline stage. Handle mutates ctx in place and
// returns the outcome that should apply if the chain stops here; the
// pipeline driver advances past Continue and stops on anything else.
type Plugin interface {
	Name() string
	Handle(ctx context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome
}

// DependsOn is implemented by plugins that must run after other named
// plugins; it is optional, so simple plugins need not implement it.
type DependsOn interface {
	DependsOn() []string
}

// Registration pairs a Plugin with the explicit dependency names supplied
// by configuration, in addition to whatever the plugin itself reports via
// DependsOn.
type Registration struct {
	Plugin       Plugin
	ExplicitDeps []string
}

// Pipeline is a dependency-ordered, immutable vector of plugins for one
// address family.
type Pipeline struct {
	family  dhcpmodel.Family
	plugins []Plugin
}

// Build topologically sorts regs (Kahn's algorithm) into a Pipeline. A
// dependency naming an unregistered plugin, or a cycle among registered
// plugins, is returned as a Config error and must be treated as startup
// fatal by the caller.
func Build(family dhcpmodel.Family, regs []Registration) (*Pipeline, error) {
	byName := make(map[string]Registration, len(regs))
	for _, r := range regs {
		if _, dup := byName[r.Plugin.Name()]; dup {
			return nil, derrors.Errorf(derrors.KindConfig, "plugin %q registered twice for %s", r.Plugin.Name(), family)
		}
		byName[r.Plugin.Name()] = r
	}

	deps := make(map[string][]string, len(regs))
	indegree := make(map[string]int, len(regs))
	for name := range byName {
		indegree[name] = 0
	}
	for name, r := range byName {
		all := append([]string{}, r.ExplicitDeps...)
		if dd, ok := r.Plugin.(DependsOn); ok {
			all = append(all, dd.DependsOn()...)
		}
		for _, dep := range all {
			if _, ok := byName[dep]; !ok {
				return nil, derrors.Errorf(derrors.KindConfig, "plugin %q depends on unregistered plugin %q", name, dep)
			}
		}
		deps[name] = all
	}
	// indegree[x] counts how many plugins must run before x: one per dep.
	for name, ds := range deps {
		indegree[name] = len(ds)
	}
	// successors[d] lists plugins unblocked when d completes.
	successors := make(map[string][]string)
	for name, ds := range deps {
		for _, d := range ds {
			successors[d] = append(successors[d], name)
		}
	}

	var queue []string
	for _, r := range regs { // preserve registration order among zero-indegree roots
		if indegree[r.Plugin.Name()] == 0 {
			queue = append(queue, r.Plugin.Name())
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, succ := range successors[name] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(byName) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, derrors.Errorf(derrors.KindConfig, "plugin dependency cycle involving: %v", stuck)
	}

	plugins := make([]Plugin, 0, len(order))
	for _, name := range order {
		plugins = append(plugins, byName[name].Plugin)
	}
	return &Pipeline{family: family, plugins: plugins}, nil
}

// Run drives msg through the pipeline in order, stopping at the first
// plugin that does not return OutcomeContinue. A plugin panic is not
// recovered here; callers running per-request goroutines are expected to
// guard against that themselves so one bad plugin cannot crash the
// worker pool.
func (p *Pipeline) Run(ctx context.Context, msg *dhcpmodel.MsgContext) dhcpmodel.Outcome {
	for _, pl := range p.plugins {
		select {
		case <-ctx.Done():
			msg.Outcome = dhcpmodel.OutcomeNoResponse
			msg.Err = fmt.Errorf("plugin %q: %w", pl.Name(), ctx.Err())
			return msg.Outcome
		default:
		}
		outcome := pl.Handle(ctx, msg)
		if outcome != dhcpmodel.OutcomeContinue {
			msg.Outcome = outcome
			return outcome
		}
	}
	msg.Outcome = dhcpmodel.OutcomeContinue
	return dhcpmodel.OutcomeContinue
}

// Names returns the plugin names in their resolved execution order, for
// diagnostics and tests.
func (p *Pipeline) Names() []string {
	out := make([]string, len(p.plugins))
	for i, pl := range p.plugins {
		out[i] = pl.Name()
	}
	return out
}
