//go:build !gohome_exclude_myenergi

package plugins

import (
	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/core"
	"github.com/joshp123/gohome-myenergi/internal/host"
	"github.com/joshp123/gohome-myenergi/plugins/myenergi"
)

func init() {
	Register(func(cfg *config.Config, rt *host.Runtime) (core.Plugin, bool) {
		p, ok := myenergi.NewPlugin(cfg.MyEnergi, rt)
		if !ok {
			return nil, false
		}
		return p, true
	})
}
