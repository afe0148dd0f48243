package core

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joshp123/gohome-myenergi/internal/rpc"
)

// RegistryServiceName is the gRPC name of the plugin registry.
const RegistryServiceName = "gohome.registry.v1.Registry"

// PluginSummary is the list view of a plugin.
type PluginSummary struct {
	PluginID    string `json:"plugin_id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
}

// DashboardRef points at a dashboard served over HTTP.
type DashboardRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PluginDescriptor is the detailed view of a plugin.
type PluginDescriptor struct {
	PluginID      string         `json:"plugin_id"`
	DisplayName   string         `json:"display_name"`
	Version       string         `json:"version"`
	Services      []string       `json:"services"`
	Dashboards    []DashboardRef `json:"dashboards"`
	AgentsMD      string         `json:"agents_md"`
	Status        string         `json:"status"`
	HealthMessage string         `json:"health_message,omitempty"`
}

type ListPluginsRequest struct{}

type ListPluginsResponse struct {
	Plugins []PluginSummary `json:"plugins"`
}

type DescribePluginRequest struct {
	PluginID string `json:"plugin_id"`
}

type DescribePluginResponse struct {
	Plugin *PluginDescriptor `json:"plugin,omitempty"`
}

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

// Service describes the registry for rpc registration.
func (r *RegistryService) Service() rpc.Service {
	return rpc.Service{
		Package: "gohome.registry.v1",
		Name:    "Registry",
		Methods: []rpc.Method{
			{Name: "ListPlugins", Handler: rpc.Unary(r.ListPlugins)},
			{Name: "DescribePlugin", Handler: rpc.Unary(r.DescribePlugin)},
		},
	}
}

func (r *RegistryService) ListPlugins(ctx context.Context, _ ListPluginsRequest) (ListPluginsResponse, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := ListPluginsResponse{Plugins: []PluginSummary{}}
	for _, p := range r.plugins {
		manifest := p.Manifest()
		resp.Plugins = append(resp.Plugins, PluginSummary{
			PluginID:    manifest.PluginID,
			DisplayName: manifest.DisplayName,
			Version:     manifest.Version,
			Status:      string(p.Health()),
		})
	}

	return resp, nil
}

func (r *RegistryService) DescribePlugin(ctx context.Context, req DescribePluginRequest) (DescribePluginResponse, error) {
	_ = ctx
	if req.PluginID == "" {
		return DescribePluginResponse{}, status.Error(codes.InvalidArgument, "plugin_id is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		manifest := p.Manifest()
		if manifest.PluginID != req.PluginID {
			continue
		}

		descriptor := &PluginDescriptor{
			PluginID:      manifest.PluginID,
			DisplayName:   manifest.DisplayName,
			Version:       manifest.Version,
			Services:      manifest.Services,
			AgentsMD:      p.AgentsMD(),
			Status:        string(p.Health()),
			HealthMessage: p.HealthMessage(),
		}
		for _, d := range p.Dashboards() {
			descriptor.Dashboards = append(descriptor.Dashboards, DashboardRef{
				Name: d.Name,
				Path: dashboardPath(manifest.PluginID, d.Name),
			})
		}

		return DescribePluginResponse{Plugin: descriptor}, nil
	}

	return DescribePluginResponse{}, nil
}
