package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/feed-mirror/internal/bluesky"
	"github.com/blackmichael/feed-mirror/internal/config"
	"github.com/blackmichael/feed-mirror/internal/cursor"
	"github.com/blackmichael/feed-mirror/internal/domain"
	"github.com/blackmichael/feed-mirror/internal/events"
	"github.com/blackmichael/feed-mirror/internal/firehose"
	"github.com/blackmichael/feed-mirror/internal/httpclient"
	"github.com/blackmichael/feed-mirror/internal/httpserver"
	"github.com/blackmichael/feed-mirror/internal/linkresolve"
	"github.com/blackmichael/feed-mirror/internal/media"
	"github.com/blackmichael/feed-mirror/internal/metadata"
	"github.com/blackmichael/feed-mirror/internal/metrics"
	"github.com/blackmichael/feed-mirror/internal/rss"
	"github.com/blackmichael/feed-mirror/internal/tracing"
	"github.com/blackmichael/feed-mirror/internal/twitter"
)

// maxThumbnailWidth is the widest thumbnail uploaded; wider images are scaled
// down before upload.
const maxThumbnailWidth = 2000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, cfg.OTelServiceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(c); err != nil {
			logger.Error("error shutting down tracing", "error", err)
		}
	}()

	// One client for every outbound request, so the per-host limits hold
	// across collaborators.
	client := httpclient.New(httpclient.Settings{
		UserAgent:    cfg.UserAgent,
		HostInterval: cfg.HostInterval,
	})

	destination := bluesky.NewClient(cfg.BlueskyPDS, client, logger)
	if err := destination.Login(ctx, cfg.BlueskyHandle, cfg.BlueskyAppPassword); err != nil {
		return fmt.Errorf("log in to bluesky: %w", err)
	}
	logger.Info("authenticated with destination", "handle", cfg.BlueskyHandle, "did", destination.DID())

	source, startSource, err := buildSource(cfg, client, logger)
	if err != nil {
		return err
	}

	accountID, err := source.ResolveAccount(ctx, cfg.Account)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return fmt.Errorf("account %s not found on %s", cfg.Account, cfg.Source)
		}
		return fmt.Errorf("resolve account: %w", err)
	}
	logger.Info("monitoring account", "account", cfg.Account, "id", accountID, "source", cfg.Source)

	if startSource != nil {
		go func() {
			if err := startSource(ctx); err != nil && ctx.Err() == nil {
				logger.Error("source subscription exited with error", "error", err)
			}
		}()
	}

	cursors, err := cursor.Open(ctx, cfg.CursorStore, cfg.CursorKey())
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer cursors.Close()

	collector := metrics.New()

	var publisher domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		publisher = kafka
		logger.Info("publishing mirrored events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	service, err := domain.NewMirrorService(domain.Deps{
		Source:      source,
		Destination: destination,
		Resolver:    linkresolve.NewResolver(client, cfg.ResolveTimeout, logger),
		Extractor:   metadata.NewExtractor(client, cfg.MetadataTimeout, cfg.MetadataMaxBytes, logger),
		Fetcher: media.NewFetcher(client, media.Options{
			Timeout:      cfg.MediaTimeout,
			MaxBytes:     cfg.MediaMaxBytes,
			MaxBlobBytes: bluesky.MaxBlobBytes,
			MaxWidth:     maxThumbnailWidth,
		}, logger),
		Cursors: cursors,
		Events:  publisher,
		Metrics: collector,
		Logger:  logger,
	}, domain.Options{
		Account:    cfg.Account,
		AccountID:  accountID,
		SourceName: cfg.Source,
		Interval:   cfg.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("create mirror service: %w", err)
	}

	if err := service.Restore(ctx); err != nil {
		return fmt.Errorf("restore cursor: %w", err)
	}

	var server *httpserver.Server
	if cfg.Port > 0 {
		server = httpserver.NewServer(cfg.Port, service, collector.Handler(), logger)
		go func() {
			if err := server.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server exited with error", "error", err)
			}
		}()
	}

	// Blocks until a signal cancels ctx.
	if err := service.Run(ctx); err != nil {
		return fmt.Errorf("run mirror loop: %w", err)
	}

	if server != nil {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(c); err != nil {
			logger.Error("error shutting down http server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// buildSource constructs the configured source. The returned start function,
// when not nil, must run in the background for the source to receive posts.
func buildSource(cfg *config.Config, client *http.Client, logger *slog.Logger) (domain.Source, func(context.Context) error, error) {
	switch cfg.Source {
	case config.SourceX:
		var session twitter.Session
		if cfg.XSessionFile != "" {
			s, err := twitter.LoadSession(cfg.XSessionFile)
			if err != nil {
				return nil, nil, fmt.Errorf("load X session: %w", err)
			}
			session = s
		}
		c, err := twitter.NewClient(cfg.XAPIURL, cfg.XBearerToken, session, client, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create X client: %w", err)
		}
		return c, nil, nil

	case config.SourceRSS:
		return rss.New(cfg.RSSURLTemplate, client, logger), nil, nil

	case config.SourceJetstream:
		appview := bluesky.NewClient(cfg.BlueskyAppView, client, logger)
		sub := firehose.NewSubscriber(cfg.JetstreamURL, appview, cfg.JetstreamLookback, logger)
		return sub, sub.Start, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", cfg.Source)
}
