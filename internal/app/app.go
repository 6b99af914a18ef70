// Package app wires configuration into a running snapshot service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/snapframe/snapframe/internal/admission"
	"github.com/snapframe/snapframe/internal/api"
	"github.com/snapframe/snapframe/internal/browser"
	"github.com/snapframe/snapframe/internal/config"
	"github.com/snapframe/snapframe/internal/credentials"
	"github.com/snapframe/snapframe/internal/metrics"
	"github.com/snapframe/snapframe/internal/pipeline"
	"github.com/snapframe/snapframe/internal/publisher/memory"
	pubsubpub "github.com/snapframe/snapframe/internal/publisher/pubsub"
	"github.com/snapframe/snapframe/internal/signer"
	"github.com/snapframe/snapframe/internal/snapshot"
	"github.com/snapframe/snapframe/internal/storage"
	"github.com/snapframe/snapframe/internal/storage/gcs"
	"github.com/snapframe/snapframe/internal/storage/local"
	memstore "github.com/snapframe/snapframe/internal/storage/memory"
)

// App owns every long-lived component of the service and their shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool     *browser.Pool
	identity *admission.Controller
	tenants  *admission.Controller
	server   *api.Server

	gcsClient    *gstorage.Client
	pubsubClient *pubsub.Client
}

// New builds the full component graph from configuration. Close releases
// everything New acquired.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	events, err := a.buildPublisher(ctx)
	if err != nil {
		a.closeClients()
		return nil, err
	}

	creds, err := credentials.NewStatic(cfg.Credentials())
	if err != nil {
		a.closeClients()
		return nil, fmt.Errorf("build credential source: %w", err)
	}

	verifier := signer.New(signer.Config{
		Encoding:    signer.Encoding(cfg.Signer.Encoding),
		MaxValidity: time.Duration(cfg.Signer.MaxValiditySec) * time.Second,
	})

	a.identity = admission.New(admission.Config{
		DefaultRPS:   cfg.Admission.IdentityRPS,
		DefaultBurst: cfg.Admission.IdentityBurst,
		IdleTTL:      time.Duration(cfg.Admission.IdleTTLSec) * time.Second,
		Shards:       cfg.Admission.Shards,
	})
	a.tenants = admission.New(admission.Config{
		DefaultRPS:   cfg.Admission.TenantRPS,
		DefaultBurst: cfg.Admission.TenantBurst,
		IdleTTL:      time.Duration(cfg.Admission.IdleTTLSec) * time.Second,
		Shards:       cfg.Admission.Shards,
	})

	backend := browser.NewChromedp(browser.ChromedpConfig{UserAgent: cfg.Render.UserAgent})
	a.pool = browser.NewPool(backend, browser.Config{
		Target:        cfg.Pool.Size,
		MaxSpawning:   cfg.Pool.MaxSpawning,
		MaxWaiters:    cfg.Pool.MaxWaiters,
		IdleAfter:     time.Duration(cfg.Pool.IdleAfterSec) * time.Second,
		MaxUses:       cfg.Pool.MaxUses,
		ProbeTimeout:  time.Duration(cfg.Pool.ProbeTimeoutSec) * time.Second,
		SpawnTimeout:  time.Duration(cfg.Pool.SpawnTimeoutSec) * time.Second,
		DegradedAfter: cfg.Pool.DegradedAfter,
	}, logger.Named("pool"))

	pipe := pipeline.New(verifier, a.identity, a.tenants, a.pool, store, creds, events, pipeline.Config{
		AcquireTimeout:   time.Duration(cfg.Render.AcquireTimeoutSec) * time.Second,
		RenderTimeout:    time.Duration(cfg.Render.RenderTimeoutSec) * time.Second,
		DefaultViewportW: cfg.Render.DefaultViewportW,
		DefaultViewportH: cfg.Render.DefaultViewportH,
		DefaultQuality:   cfg.Render.DefaultQuality,
		DefaultScale:     cfg.Render.DefaultScale,
	}, logger.Named("pipeline"))

	a.server = api.NewServer(pipe, api.Config{RequestTimeout: cfg.RequestTimeout()}, logger.Named("api"))

	return a, nil
}

// Handler returns the HTTP handler for the service.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run warms the pool and starts the background housekeeping loops; it returns
// once ctx is done.
func (a *App) Run(ctx context.Context) {
	a.pool.Start()
	go a.identity.Run(ctx)
	go a.tenants.Run(ctx)
	go a.reportPoolStats(ctx)
	<-ctx.Done()
}

// Close tears down the pool and any cloud clients.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	a.closeClients()
}

func (a *App) closeClients() {
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
}

func (a *App) buildStore(ctx context.Context) (snapshot.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "local":
		return local.New(a.cfg.Storage.Local)
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		return gcs.New(client, a.cfg.Storage.GCS)
	case "memory":
		return memstore.NewBlobStore(), nil
	case "noop":
		return storage.NoOpStore{}, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context) (snapshot.Publisher, error) {
	switch a.cfg.Events.Provider {
	case "noop":
		return nil, nil
	case "memory":
		return memory.New(), nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		return pubsubpub.New(client.Topic(a.cfg.Events.TopicID)), nil
	default:
		return nil, fmt.Errorf("unknown events provider: %s", a.cfg.Events.Provider)
	}
}

// reportPoolStats exports pool occupancy gauges on a short cadence.
func (a *App) reportPoolStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.pool.Stats()
			metrics.SetPoolHandles(s.Idle, s.Busy, s.Spawning)
		}
	}
}
