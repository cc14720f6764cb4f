package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"google.golang.org/grpc"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/pkg/wire"
	"github.com/obsidianstack/alertflow/server/internal/alerts"
	"github.com/obsidianstack/alertflow/server/internal/api"
	"github.com/obsidianstack/alertflow/server/internal/auth"
	"github.com/obsidianstack/alertflow/server/internal/config"
	"github.com/obsidianstack/alertflow/server/internal/deadletter"
	"github.com/obsidianstack/alertflow/server/internal/dedup"
	"github.com/obsidianstack/alertflow/server/internal/delivery"
	"github.com/obsidianstack/alertflow/server/internal/enrich"
	"github.com/obsidianstack/alertflow/server/internal/receiver"
	"github.com/obsidianstack/alertflow/server/internal/router"
	"github.com/obsidianstack/alertflow/server/internal/store"
	"github.com/obsidianstack/alertflow/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger is not configured yet; fall back to the default handler.
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	sc := &cfg.Server

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(sc.LogLevel)}))
	slog.SetDefault(logger)

	slog.Info("alertflow-server starting",
		"config", *configPath,
		"grpc_port", sc.GRPCPort,
		"http_port", sc.HTTPPort,
		"auth_mode", sc.Auth.Mode,
		"subscriptions", len(sc.Compiled.Subscriptions),
		"rules", len(sc.Compiled.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, sc); err != nil {
		slog.Error("alertflow-server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, sc *config.ServerConfig) error {
	// Delivery history with background TTL eviction.
	st := store.New(sc.History.TTL)
	go st.Run(ctx)

	cache, err := newDedup(ctx, sc)
	if err != nil {
		return err
	}

	sink, err := newSink(sc)
	if err != nil {
		return err
	}
	defer sink.Close() //nolint:errcheck

	purger, err := deadletter.NewPurger(sink, sc.DeadLetter.PurgeSchedule, sc.DeadLetter.Retention)
	if err != nil {
		return err
	}
	go purger.Run(ctx)

	var nc *delivery.NATSPublisher
	if sc.NATS.URL != "" {
		nc, err = delivery.DialNATS(sc.NATS.URL, sc.NATS.JetStream)
		if err != nil {
			return err
		}
		defer nc.Close()
		slog.Info("nats connected", "url", sc.NATS.URL, "jetstream", sc.NATS.JetStream)
	}

	adapters, err := newAdapters(ctx, sc, nc)
	if err != nil {
		return err
	}

	var aggregate delivery.Publisher
	if nc != nil {
		aggregate = nc
	}
	rt, err := router.New(router.Config{
		Subscriptions:    sc.Compiled.Subscriptions,
		Retry:            sc.Compiled.Retry,
		AggregateSubject: sc.Routing.AggregateSubject,
	}, adapters, cache, sink, aggregate)
	if err != nil {
		return err
	}

	// WebSocket hub: one message per delivery result plus a periodic summary.
	hub := ws.New(st, 5*time.Second)
	go hub.Run(ctx)

	rt.Observe(st.Put)
	rt.Observe(hub.Publish)

	enricher, err := enrich.NewEnricher(sc.Engine.Enrichment.RunbookTemplate, sc.Engine.Enrichment.DefaultTags)
	if err != nil {
		return err
	}
	engine := alerts.New(alerts.Config{
		DefaultSeverity:   types.Severity(sc.Engine.DefaultSeverity),
		BaselineFreshness: sc.Engine.BaselineFreshness,
		Monitors:          sc.Compiled.Monitors,
		Budget:            sc.Compiled.Budget,
		Identifiers:       sc.Compiled.Identifiers,
		Rules:             sc.Compiled.Rules,
	}, enricher, rt)
	defer engine.Close()

	// gRPC ingest with optional API key authentication interceptor.
	key := sc.Auth.Key()
	header := sc.Auth.EffectiveHeader()
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(auth.APIKeyInterceptor(sc.Auth.Mode, header, key)))
	wire.RegisterIngestServer(grpcSrv, receiver.New(engine))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", sc.GRPCPort, err)
	}
	go func() {
		slog.Info("gRPC ingest listening", "port", sc.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	// Combined HTTP server: REST API + WebSocket hub on HTTPPort.
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", auth.Middleware(sc.Auth.Mode, header, key, api.New(engine, st, sink)))
	httpMux.Handle("/ws/stream", auth.Middleware(sc.Auth.Mode, header, key, hub))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	go func() {
		err := config.Watch(ctx, configPath, func(c *config.Config) {
			slog.Info("config: pending change",
				"subscriptions", len(c.Server.Compiled.Subscriptions),
				"rules", len(c.Server.Compiled.Rules))
		})
		if err != nil {
			slog.Warn("config: watch disabled", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("alertflow-server shutting down")
	grpcSrv.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	return nil
}

func newDedup(ctx context.Context, sc *config.ServerConfig) (dedup.Cache, error) {
	if sc.Routing.DedupBackend == "redis" {
		client, err := dedup.DialRedis(ctx, sc.Redis.Addr, sc.Redis.Password(), sc.Redis.DB)
		if err != nil {
			return nil, err
		}
		slog.Info("dedup: using redis", "addr", sc.Redis.Addr)
		return dedup.NewRedis(client, sc.Redis.Prefix, sc.Routing.DedupWindow), nil
	}
	m := dedup.NewMemory(sc.Routing.DedupWindow)
	go m.Run(ctx)
	return m, nil
}

func newSink(sc *config.ServerConfig) (deadletter.Sink, error) {
	if sc.DeadLetter.Backend == "memory" {
		return deadletter.NewMemory(), nil
	}
	s, err := deadletter.OpenSQLite(sc.DeadLetter.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("dead letters: using sqlite", "path", sc.DeadLetter.Path)
	return s, nil
}

// newAdapters builds one adapter per channel that a subscription uses.
func newAdapters(ctx context.Context, sc *config.ServerConfig, nc *delivery.NATSPublisher) (map[types.ChannelType]delivery.Adapter, error) {
	adapters := make(map[types.ChannelType]delivery.Adapter)
	httpClient := &http.Client{}

	if sc.UsesChannel(types.ChannelWebhook) {
		wh := delivery.NewWebhook(httpClient, sc.Channels.Webhook.ConfirmTimeout)
		for _, sub := range sc.Compiled.Subscriptions {
			if sub.Channel == types.ChannelWebhook && sub.AutoConfirm {
				wh.RequireConfirmation(sub.Endpoint)
			}
		}
		adapters[types.ChannelWebhook] = wh
	}
	if sc.UsesChannel(types.ChannelSMS) {
		adapters[types.ChannelSMS] = delivery.NewSMS(delivery.SMSConfig{
			URL:    sc.Channels.SMS.URL,
			Token:  sc.Channels.SMS.Token(),
			Sender: sc.Channels.SMS.Sender,
		}, httpClient)
	}
	if sc.UsesChannel(types.ChannelEmail) {
		adapters[types.ChannelEmail] = delivery.NewEmail(delivery.EmailConfig{
			Addr:     sc.Channels.Email.Addr,
			From:     sc.Channels.Email.From,
			Username: sc.Channels.Email.Username,
			Password: sc.Channels.Email.Password(),
		})
	}
	if sc.UsesChannel(types.ChannelQueue) {
		adapters[types.ChannelQueue] = delivery.NewQueue(nc)
	}
	if sc.UsesChannel(types.ChannelFunction) {
		var opts []func(*awsconfig.LoadOptions) error
		if sc.Channels.Function.Region != "" {
			opts = append(opts, awsconfig.WithRegion(sc.Channels.Function.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		adapters[types.ChannelFunction] = delivery.NewFunction(lambda.NewFromConfig(awsCfg), delivery.FunctionConfig{
			Timeout:         sc.Channels.Function.Timeout,
			BreakerFailures: sc.Channels.Function.BreakerFailures,
			BreakerTimeout:  sc.Channels.Function.BreakerTimeout,
		})
	}
	return adapters, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
