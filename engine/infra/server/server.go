// Package server assembles the service: storage, crypto, caches, the
// task processor, and the HTTP surface, with lifecycle management for
// all of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/threadkeep/threadkeep/engine/attachment"
	attachrouter "github.com/threadkeep/threadkeep/engine/attachment/router"
	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	convrouter "github.com/threadkeep/threadkeep/engine/conversation/router"
	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/crypto"
	"github.com/threadkeep/threadkeep/engine/eviction"
	evictrouter "github.com/threadkeep/threadkeep/engine/eviction/router"
	"github.com/threadkeep/threadkeep/engine/infra/cache"
	"github.com/threadkeep/threadkeep/engine/infra/postgres"
	"github.com/threadkeep/threadkeep/engine/memcache"
	"github.com/threadkeep/threadkeep/engine/memsync"
	"github.com/threadkeep/threadkeep/engine/recorder"
	recrouter "github.com/threadkeep/threadkeep/engine/recorder/router"
	"github.com/threadkeep/threadkeep/engine/taskqueue"
	"github.com/threadkeep/threadkeep/engine/vector"
	"github.com/threadkeep/threadkeep/pkg/config"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

const (
	shutdownTimeout    = 10 * time.Second
	indexRetryInterval = 5 * time.Minute
)

// Server owns every long-lived component of the service.
type Server struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the service and blocks until ctx is cancelled or a fatal
// error occurs. Shutdown is graceful: in-flight requests drain, the task
// processor finishes its run, and connections close last.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	cfg := s.cfg

	db, err := postgres.NewDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(context.Background())
	if cfg.Database.AutoMigrate {
		if err := postgres.RunMigrations(ctx, db.Pool()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	cryptoSvc, err := buildCrypto(ctx, cfg, postgres.NewDEKRepo(db))
	if err != nil {
		return err
	}
	store := postgres.NewStore(db, cryptoSvc, cfg.Tasks.StaleClaimTimeout)
	convStore := store.ConversationStore()

	var (
		memCache     memcache.Cache = memcache.Noop{}
		registryOpts []recorder.Option
	)
	if cfg.Cache.Kind == config.CacheKindRedis {
		redisConn, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisConn.Close()
		memCache = memcache.NewRedisCache(redisConn.Client(), cryptoSvc, cfg.Cache.EpochTTL)
		registryOpts = append(registryOpts,
			recorder.WithBackend(recorder.NewRedisBackend(redisConn.Client(), 0)))
	}

	vectors := vector.NewMemory()
	az := authz.NewEngine(store.Memberships, cfg.Retention.RequireJustification)
	opts := &uc.Options{Store: convStore, Authz: az, Cache: memCache, Vector: vectors}
	syncSvc := memsync.NewService(convStore, az, memCache)
	registry := recorder.NewRegistry(registryOpts...)

	processor := taskqueue.NewProcessor(store.Tasks, taskqueue.ProcessorConfig{
		Interval:   cfg.Tasks.ProcessorInterval,
		BatchSize:  cfg.Tasks.BatchSize,
		RetryDelay: cfg.Tasks.RetryDelay,
	})
	taskqueue.NewVectorHandlers(convStore, vectors, cfg.Tasks.BatchSize).RegisterAll(processor)

	blobs, err := attachment.NewFSStore(cfg.Attachments.Dir)
	if err != nil {
		return fmt.Errorf("opening attachment store: %w", err)
	}
	attachSvc := attachment.NewService(store.Attachments, blobs, cryptoSvc)
	attachSvc.SetChunkSize(cfg.Attachments.ChunkSize)

	evictEngine := eviction.NewEngine(store.Eviction, store.Tasks, memCache, cfg.Retention.BatchSize)

	authMW, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
	}
	engine := s.buildRouter(log, authMW, opts, syncSvc, registry, evictEngine, az, attachSvc)

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           engine,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("starting task processor: %w", err)
	}
	if err := taskqueue.SeedIndexRetry(ctx, store.Tasks); err != nil {
		return fmt.Errorf("seeding vector index retry: %w", err)
	}
	sweeper := startMaintenance(ctx, attachSvc, store.Tasks, cfg.Attachments.CleanupInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		processor.Stop()
		<-sweeper.Stop().Done()
		return err
	})
	return g.Wait()
}

func buildCrypto(ctx context.Context, cfg *config.Config, deks *postgres.DEKRepo) (*crypto.Service, error) {
	if cfg.Encryption.Key.Value() == "" {
		return nil, fmt.Errorf("encryption key is required")
	}
	provider, err := crypto.NewStaticKeyProvider(cfg.Encryption.ProviderID, cfg.Encryption.Key.Value())
	if err != nil {
		return nil, fmt.Errorf("building key provider: %w", err)
	}
	svc, err := crypto.NewService(provider, deks)
	if err != nil {
		return nil, fmt.Errorf("building crypto service: %w", err)
	}
	if err := svc.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrapping data keys: %w", err)
	}
	return svc, nil
}

func buildAuth(ctx context.Context, cfg *config.Config) (*auth.Middleware, error) {
	resolvers := []auth.IdentityResolver{auth.NewAPIKeyResolver(&cfg.Auth)}
	if cfg.OIDC.Issuer != "" {
		oidcResolver, err := auth.NewOIDCResolver(ctx, &cfg.OIDC, &cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("building OIDC resolver: %w", err)
		}
		resolvers = append(resolvers, oidcResolver)
	}
	return auth.NewMiddleware(auth.NewChainResolver(resolvers...), cfg.Server.TestingMode), nil
}

func (s *Server) buildRouter(
	log logger.Logger,
	authMW *auth.Middleware,
	opts *uc.Options,
	syncSvc *memsync.Service,
	registry *recorder.Registry,
	evictEngine *eviction.Engine,
	az *authz.Engine,
	attachSvc *attachment.Service,
) *gin.Engine {
	if !s.cfg.Server.TestingMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestContext(log))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	attachments := attachrouter.New(attachSvc, s.cfg.Attachments.URLTTL)
	// Signed downloads authenticate through the token itself.
	attachments.RegisterPublic(engine.Group("/v1"))

	v1 := engine.Group("/v1", authMW.Authenticate())
	convrouter.New(opts, syncSvc).Register(v1)
	recrouter.New(opts, registry).Register(v1)
	evictrouter.New(evictEngine, az).Register(v1)
	attachments.Register(v1)
	return engine
}

// startMaintenance runs the periodic jobs: sweeping expired attachments
// and reseeding the vector index catch-up task, so conversations whose
// indexing failed or predates the vector store are eventually picked up.
func startMaintenance(
	ctx context.Context,
	svc *attachment.Service,
	tasks taskqueue.Repository,
	sweepInterval time.Duration,
) *cron.Cron {
	c := cron.New()
	if sweepInterval > 0 {
		_, _ = c.AddFunc(fmt.Sprintf("@every %s", sweepInterval), func() {
			if deleted, err := svc.Sweep(ctx, time.Now().UTC()); err != nil {
				logger.FromContext(ctx).Error("attachment sweep failed", "error", err)
			} else if deleted > 0 {
				logger.FromContext(ctx).Info("attachment sweep", "deleted", deleted)
			}
		})
	}
	_, _ = c.AddFunc(fmt.Sprintf("@every %s", indexRetryInterval), func() {
		if err := taskqueue.SeedIndexRetry(ctx, tasks); err != nil {
			logger.FromContext(ctx).Error("reseeding vector index retry failed", "error", err)
		}
	})
	c.Start()
	return c
}
