package plugins

import (
	"errors"
	"fmt"

	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/core"
	"github.com/joshp123/gohome-myenergi/internal/host"
)

// Factory builds a plugin instance from the loaded config. Plugins that own
// devices register their drivers on rt.
type Factory func(cfg *config.Config, rt *host.Runtime) (core.Plugin, bool)

var compiled []Factory

// Register adds a compiled-in plugin factory to the registry.
func Register(factory Factory) {
	compiled = append(compiled, factory)
}

// Compiled returns the configured plugin instances for this build.
func Compiled(cfg *config.Config, rt *host.Runtime) []core.Plugin {
	if cfg == nil {
		return nil
	}
	out := make([]core.Plugin, 0, len(compiled))
	for _, factory := range compiled {
		plugin, ok := factory(cfg, rt)
		if !ok {
			continue
		}
		out = append(out, plugin)
	}
	return out
}

// Reloader is implemented by plugins that accept a new config without a
// restart.
type Reloader interface {
	Reload(cfg *config.Config) error
}

// Reload hands cfg to every plugin that supports it and joins the errors.
func Reload(active []core.Plugin, cfg *config.Config) error {
	var errs []error
	for _, plugin := range active {
		r, ok := plugin.(Reloader)
		if !ok {
			continue
		}
		if err := r.Reload(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", plugin.ID(), err))
		}
	}
	return errors.Join(errs...)
}
