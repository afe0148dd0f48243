package myenergi

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/core"
	"github.com/joshp123/gohome-myenergi/internal/host"
	"github.com/joshp123/gohome-myenergi/internal/rpc"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

const PluginID = "myenergi"

// Plugin implements the GoHome plugin contract for myenergi hubs.
type Plugin struct {
	runtime   *host.Runtime
	scheduler *Scheduler
	fake      *FakeClient
	zappi     *Driver[ZappiTelemetry]
	eddi      *Driver[EddiTelemetry]
	harvi     *Driver[HarviTelemetry]
	metrics   *MetricsCollector

	cfgMu sync.RWMutex
	cfg   Config

	applyMu     sync.Mutex
	applying    atomic.Bool
	ctx         context.Context
	unsubscribe func()

	health        core.HealthStatus
	healthMessage string
}

// NewPlugin builds the plugin and registers its drivers and flow cards on
// rt. It reports false when the config has no myenergi section.
func NewPlugin(cfg *config.MyEnergiConfig, rt *host.Runtime) (*Plugin, bool) {
	if cfg == nil || rt == nil {
		return nil, false
	}

	runtimeCfg, err := ConfigFromYAML(cfg)
	if err != nil {
		return &Plugin{health: core.HealthError, healthMessage: err.Error()}, true
	}

	p := &Plugin{
		runtime: rt,
		cfg:     runtimeCfg,
		fake:    NewFakeClient(),
		health:  core.HealthHealthy,
		ctx:     context.Background(),
	}
	p.scheduler = NewScheduler(p.newClient, rt.Clock())

	d := &deps{scheduler: p.scheduler, flows: rt.Flows(), clock: rt.Clock()}
	p.zappi = newZappiDriver(d)
	p.eddi = newEddiDriver(d)
	p.harvi = newHarviDriver(d)

	for _, drv := range []host.Driver{p.zappi, p.eddi, p.harvi} {
		if err := rt.RegisterDriver(drv); err != nil {
			return &Plugin{health: core.HealthError, healthMessage: err.Error()}, true
		}
	}
	p.scheduler.AddListener(p.zappi.Router().OnScheduledData)
	p.scheduler.AddListener(p.eddi.Router().OnScheduledData)
	p.scheduler.AddListener(p.harvi.Router().OnScheduledData)

	registerFlows(rt.Flows(), rt.Hooks)
	p.metrics = NewMetricsCollector(p.scheduler, rt.Devices)
	return p, true
}

func (p *Plugin) newClient(hub HubCredential, baseURL string) HubClient {
	p.cfgMu.RLock()
	cfg := p.cfg
	p.cfgMu.RUnlock()
	if cfg.Fake {
		return p.fake
	}
	return NewClient(ClientConfig{
		BaseURL:              baseURL,
		Username:             hub.Username,
		Password:             hub.Password,
		Timeout:              cfg.RequestTimeout,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		Clock:                p.runtime.Clock(),
	})
}

// Start subscribes to hub settings, seeds them from config and runs the
// first poll. Call it before the runtime restores devices so their initial
// status fetch finds a client.
func (p *Plugin) Start(ctx context.Context) error {
	if p.scheduler == nil {
		return fmt.Errorf("myenergi: %s", p.healthMessage)
	}
	p.scheduler.Start(ctx)

	p.applyMu.Lock()
	p.ctx = ctx
	p.unsubscribe = p.runtime.Settings().Subscribe(p.onSetting)
	p.applyMu.Unlock()

	p.cfgMu.RLock()
	cfg := p.cfg
	p.cfgMu.RUnlock()
	return p.apply(cfg, true)
}

func (p *Plugin) Stop() {
	if p.scheduler == nil {
		return
	}
	p.applyMu.Lock()
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.applyMu.Unlock()
	p.scheduler.Stop()
}

// ApplyConfig replaces the plugin configuration, as on a config reload.
func (p *Plugin) ApplyConfig(cfg *config.MyEnergiConfig) error {
	if p.scheduler == nil {
		return fmt.Errorf("myenergi: %s", p.healthMessage)
	}
	next, err := ConfigFromYAML(cfg)
	if err != nil {
		return err
	}
	p.cfgMu.Lock()
	prev := p.cfg
	p.cfg = next
	p.cfgMu.Unlock()

	// passwords are not in the settings store, so a rotated one only shows
	// up here
	clientChanged := prev.Fake != next.Fake ||
		prev.RequestTimeout != next.RequestTimeout ||
		prev.MaxRequestsPerMinute != next.MaxRequestsPerMinute ||
		!reflect.DeepEqual(prev.Hubs, next.Hubs)
	return p.apply(next, clientChanged)
}

// Reload applies the myenergi section of a reloaded config file.
func (p *Plugin) Reload(cfg *config.Config) error {
	if cfg == nil || cfg.MyEnergi == nil {
		return fmt.Errorf("myenergi section removed; restart to disable the plugin")
	}
	return p.ApplyConfig(cfg.MyEnergi)
}

func (p *Plugin) apply(cfg Config, force bool) error {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	p.applying.Store(true)
	changed, err := seedSettings(p.runtime.Settings(), cfg)
	p.applying.Store(false)
	if err != nil {
		return fmt.Errorf("seed myenergi settings: %w", err)
	}
	if !changed && !force {
		return nil
	}
	return p.reconfigure(p.ctx)
}

func (p *Plugin) onSetting(key string) {
	if !isHubSetting(key) || p.applying.Load() {
		return
	}
	if err := p.reconfigure(p.ctx); err != nil {
		log.Printf("myenergi: reconfigure after %s changed: %v", key, err)
	}
}

func (p *Plugin) reconfigure(ctx context.Context) error {
	cfg, err := hubConfigFromSettings(p.runtime.Settings())
	if err != nil {
		return err
	}
	p.cfgMu.RLock()
	configured := p.cfg.Hubs
	p.cfgMu.RUnlock()
	cfg.Hubs = resolvePasswords(cfg.Hubs, configured)
	if err := p.scheduler.Reconfigure(ctx, cfg); err != nil {
		return err
	}
	log.Printf("myenergi: %d hub(s), poll every %s", len(cfg.Hubs), cfg.PollInterval)
	return nil
}

// Scheduler exposes the poll scheduler.
func (p *Plugin) Scheduler() *Scheduler { return p.scheduler }

// Fake returns the in-memory hub used when fake mode is on.
func (p *Plugin) Fake() *FakeClient { return p.fake }

func (p *Plugin) ID() string {
	return PluginID
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    PluginID,
		DisplayName: "myenergi",
		Version:     "0.1.0",
		Services:    []string{serviceDefinition(nil).FullName()},
	}
}

func (p *Plugin) AgentsMD() string {
	return agentsMD
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "myenergi-overview", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server *grpc.Server) error {
	return rpc.Register(server, serviceDefinition(p))
}

func (p *Plugin) Collectors() []prometheus.Collector {
	if p.metrics == nil {
		return nil
	}
	return []prometheus.Collector{p.metrics}
}

// Health is degraded while any configured hub's last poll failed.
func (p *Plugin) Health() core.HealthStatus {
	if p.scheduler == nil || p.health != core.HealthHealthy {
		return p.health
	}
	for _, st := range p.scheduler.Statuses() {
		if st.LastError != "" {
			return core.HealthDegraded
		}
	}
	return core.HealthHealthy
}

func (p *Plugin) HealthMessage() string {
	if p.scheduler == nil {
		return p.healthMessage
	}
	var failing []string
	for _, st := range p.scheduler.Statuses() {
		if st.LastError != "" {
			failing = append(failing, st.ClientID+": "+st.LastError)
		}
	}
	return strings.Join(failing, "; ")
}
