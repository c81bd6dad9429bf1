package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/engine"
	"github.com/chirino/contentpool/internal/guard"
	"github.com/chirino/contentpool/internal/metrics"
	routesystem "github.com/chirino/contentpool/internal/plugin/route/system"
	registrymigrate "github.com/chirino/contentpool/internal/registry/migrate"
	registryroute "github.com/chirino/contentpool/internal/registry/route"
	"github.com/chirino/contentpool/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running engine, its background services and the
// management server.
type Server struct {
	Config          *config.Config
	Engine          *engine.Engine
	Router          *gin.Engine
	Addr            net.Addr
	closeManagement func(context.Context) error
	stopBackground  context.CancelFunc
	background      sync.WaitGroup
}

// Shutdown stops accepting management traffic, waits for background work to
// finish or ctx to expire, then closes the engine.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	var errs []error
	if s.closeManagement != nil {
		if err := s.closeManagement(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.stopBackground()

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Background services did not stop before the drain timeout")
		errs = append(errs, ctx.Err())
	}
	if err := s.Engine.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartServer migrates the schema, opens the engine, starts the background
// services and the management server. Use cfg.ManagementPort=0 for a random
// port; the bound address is Server.Addr.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting content pool",
		"managementPort", cfg.ManagementPort,
		"db", cfg.DatastoreType,
		"blobs", cfg.BlobType,
		"cache", cfg.CacheType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := metrics.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	metrics.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	eng, err := engine.Open(ctx)
	if err != nil {
		return nil, err
	}

	router, err := newManagementRouter(cfg, eng)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	var scheduler *service.OptimizerScheduler
	if cfg.SchedulerEnabled {
		scheduler, err = service.NewOptimizerScheduler(eng.Optimizer(), cfg.Schedules)
		if err != nil {
			_ = eng.Close()
			return nil, err
		}
	}

	addr, closeManagement, err := startManagementServer(cfg.ManagementPort, cfg.ReadHeaderTimeout, router)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to start management server: %w", err)
	}

	bgCtx, stop := context.WithCancel(ctx)
	srv := &Server{
		Config:          cfg,
		Engine:          eng,
		Router:          router,
		Addr:            addr,
		closeManagement: closeManagement,
		stopBackground:  stop,
	}

	taskProc := service.NewTaskProcessor(eng.Store(), cfg.TaskInterval, cfg.TaskRetryDelay, cfg.TaskBatchSize).
		Handle(guard.ReconcileTaskType, eng.Guard().Reconcile)
	srv.goBackground(func() { taskProc.Start(bgCtx) })
	if scheduler != nil {
		srv.goBackground(func() { scheduler.Start(bgCtx) })
	}

	routesystem.MarkReady()
	return srv, nil
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

func newManagementRouter(cfg *config.Config, eng *engine.Engine) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(metrics.AccessLogMiddleware())
	} else {
		router.Use(metrics.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(metrics.MetricsMiddleware())
	for _, loader := range registryroute.Loaders() {
		if err := loader(router, eng); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}
	return router, nil
}
