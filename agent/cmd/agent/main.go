package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidianstack/alertflow/agent/internal/compute"
	"github.com/obsidianstack/alertflow/agent/internal/config"
	"github.com/obsidianstack/alertflow/agent/internal/scraper"
	"github.com/obsidianstack/alertflow/agent/internal/security"
	"github.com/obsidianstack/alertflow/agent/internal/shipper"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("alertflow-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"agent_id", cfg.Agent.ID,
		"server_endpoint", cfg.Agent.ServerEndpoint,
		"sources", len(cfg.Agent.Sources),
		"watches", len(cfg.Agent.Watches),
		"scrape_interval", cfg.Agent.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	type source struct {
		src config.Source
		s   scraper.Scraper
	}
	var sources []source
	for _, src := range cfg.Agent.Sources {
		s, err := scraper.New(src)
		if err != nil {
			slog.Error("skipping source, could not build scraper", "source", src.ID, "err", err)
			continue
		}
		sources = append(sources, source{src: src, s: s})
		slog.Info("registered source", "id", src.ID, "endpoint", src.Endpoint)
	}
	if len(sources) == 0 {
		slog.Warn("no sources configured, agent will idle")
	}

	engine := compute.NewEngine(cfg.Agent.Watches, cfg.Agent.Namespace)

	// Sources and watches are built once; a changed file needs a restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			slog.Warn("config changed, restart to apply",
				"sources", len(updated.Agent.Sources), "watches", len(updated.Agent.Watches))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	ship := shipper.New(cfg.Agent)
	go ship.Run(ctx)

	// Scrape loop: poll every ScrapeInterval, evaluate watches, ship.
	go func() {
		ticker := time.NewTicker(cfg.Agent.ScrapeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				for _, p := range sources {
					res, err := p.s.Scrape(ctx)
					if err != nil {
						slog.Warn("scrape error", "source", p.src.ID, "err", err)
						continue
					}
					events := engine.Process(res, t)
					if cert := security.Check(ctx, p.src, cfg.Agent.CertWarningDays, t); cert != nil {
						events = append(events, *cert)
					}
					for _, ev := range events {
						ship.Ship(ev)
					}
					slog.Debug("shipped events", "source", p.src.ID, "events", len(events))
				}
			}
		}
	}()

	<-ctx.Done()
	slog.Info("alertflow-agent shutting down")
}
