package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/gohome-myenergi/internal/blob"
	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/core"
	"github.com/joshp123/gohome-myenergi/internal/host"
	"github.com/joshp123/gohome-myenergi/internal/plugins"
	"github.com/joshp123/gohome-myenergi/internal/rate"
	"github.com/joshp123/gohome-myenergi/internal/router"
	"github.com/joshp123/gohome-myenergi/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "secrets":
			secretsMain(os.Args[2:])
			return
		case "help", "-h", "--help":
			usage()
			return
		}
	}

	flags := flag.NewFlagSet("gohome", flag.ExitOnError)
	configPath := flags.String("config", config.DefaultPath, "Path to config.yaml")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath); err != nil {
		log.Fatalf("gohome: %v", err)
	}
}

func usage() {
	fmt.Println("gohome [--config path]")
	fmt.Println("gohome secrets <command> [args]")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store blob.Store
	if cfg.Blob != nil {
		s3, err := blob.NewS3Store(cfg.Blob)
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		store = s3
	}
	persister := host.NewPersister(cfg.State.File, store)

	var publisher host.Publisher
	topicPrefix := ""
	if cfg.MQTT != nil {
		mqttClient, err := newMQTTClient(cfg.MQTT)
		if err != nil {
			return err
		}
		publisher = mqttClient
		topicPrefix = cfg.MQTT.TopicPrefix
	}

	rt := host.New(host.Options{
		Persister:     persister,
		FlushInterval: cfg.State.FlushInterval,
		Publisher:     publisher,
		TopicPrefix:   topicPrefix,
	})
	snap, err := persister.Load(ctx)
	switch {
	case errors.Is(err, host.ErrStateNotFound):
		log.Printf("state: no snapshot at %s, starting empty", cfg.State.File)
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	default:
		rt.Restore(snap)
		log.Printf("state: restored %d device(s)", len(snap.Devices))
	}

	compiled := plugins.Compiled(cfg, rt)
	enabled := config.EnabledPlugins(cfg)
	if err := core.ValidateEnabledPlugins(compiled, enabled, cfg.Core.EnableAllPlugins); err != nil {
		return err
	}
	active := core.FilterPlugins(compiled, enabled, cfg.Core.EnableAllPlugins)
	if err := core.ValidatePlugins(active); err != nil {
		return err
	}

	// Plugins start before the runtime so restored devices find a hub
	// client during Init.
	var runners []core.Runner
	for _, p := range active {
		runner, ok := p.(core.Runner)
		if !ok {
			continue
		}
		if err := runner.Start(ctx); err != nil {
			log.Printf("plugin %s: start: %v", p.ID(), err)
			continue
		}
		runners = append(runners, runner)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	if err := router.RegisterPlugins(grpcServer.Server, active); err != nil {
		return err
	}

	shared := append(rate.MetricsCollectors(), rt.Collectors()...)
	shared = append(shared, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gohome_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))
	metricsRegistry := core.MetricsRegistry(active, shared...)

	if err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
		log.Printf("dashboards: %v", err)
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", server.HealthHandler)
	httpMux.Handle("/ready", server.ReadyHandler(active))
	httpMux.Handle("/metrics", server.MetricsHandler(metricsRegistry))
	httpMux.Handle("/dashboards/", server.DashboardsHandler(core.DashboardsMap(active)))
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, httpMux)

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	log.Printf("gohome: grpc on %s, http on %s, %d plugin(s)", cfg.Core.GRPCAddr, cfg.Core.HTTPAddr, len(active))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var serveErr error
loop:
	for {
		select {
		case sig := <-signals:
			if sig != syscall.SIGHUP {
				log.Printf("gohome: %s, shutting down", sig)
				break loop
			}
			reload(configPath, active)
		case serveErr = <-errCh:
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	grpcServer.Stop(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	for _, runner := range runners {
		runner.Stop()
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		log.Printf("state: final flush: %v", err)
	}
	if publisher != nil {
		publisher.Close()
	}
	cancel()
	return serveErr
}

func reload(configPath string, active []core.Plugin) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("reload: %v", err)
		return
	}
	if err := plugins.Reload(active, cfg); err != nil {
		log.Printf("reload: %v", err)
		return
	}
	log.Printf("reload: applied %s", configPath)
}

func newMQTTClient(cfg *config.MQTTConfig) (*host.MQTTClient, error) {
	password := ""
	if cfg.PasswordFile != "" {
		var err error
		password, err = config.ReadSecretFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt password: %w", err)
		}
	}
	client, err := host.NewMQTTClient(host.MQTTOptions{
		Broker:   cfg.Broker,
		Username: cfg.Username,
		Password: password,
		ClientID: cfg.ClientID,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
