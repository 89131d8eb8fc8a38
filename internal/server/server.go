package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/itstheanurag/judgebox/internal/api"
	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/images"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/limiter"
	"github.com/itstheanurag/judgebox/internal/natsjudge"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/itstheanurag/judgebox/internal/sqsjudge"
	"github.com/itstheanurag/judgebox/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	runtime     sandbox.Runtime
	engine      *executor.Engine
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter
	nats        *natsjudge.Consumer
	sqs         *sqsjudge.Poller
	cancelFunc  context.CancelFunc
	// background tracks workers and the SQS poller so Stop can wait for
	// in-flight jobs before removing containers.
	background sync.WaitGroup
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {
	policy, err := images.ParsePolicy(conf.Sandbox.ImagePolicy)
	if err != nil {
		return nil, err
	}

	rt, err := sandbox.NewDockerRuntime(sandbox.DockerConfig{Host: conf.Sandbox.DockerHost}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox runtime: %w", err)
	}

	engine := executor.NewEngine(languages.NewRegistry(), rt, engineConfig(conf, policy), logger)
	q := queue.NewManager(conf.Workers.QueueCapacity)

	rl := limiter.NewRateLimiter(limiter.Config{
		GlobalRPS:     conf.Limiter.GlobalRPS,
		PerIPRPS:      conf.Limiter.PerIPRPS,
		PerIPBurst:    conf.Limiter.PerIPBurst,
		MaxConcurrent: conf.Limiter.MaxConcurrent,
	})

	requestTimeout := time.Duration(conf.Server.RequestTimeout) * time.Second
	handler := api.NewHandler(q, engine, requestTimeout, logger)

	mux := http.NewServeMux()

	// health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/languages", handler.Languages)
	mux.HandleFunc("/pool", handler.PoolStats)

	// execution endpoint with rate limiting
	mux.HandleFunc("/execute", rl.Middleware(handler.Execute))

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      mux,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	workers := make([]*worker.Worker, conf.Workers.Count)
	for i := range workers {
		workers[i] = worker.NewWorker(i, engine, q, logger)
	}

	s := &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		runtime:     rt,
		engine:      engine,
		queue:       q,
		workers:     workers,
		rateLimiter: rl,
	}

	if conf.NATS.URL != "" {
		s.nats = natsjudge.New(natsjudge.Config{
			URL:        conf.NATS.URL,
			Subject:    conf.NATS.Subject,
			QueueGroup: conf.NATS.QueueGroup,
			Timeout:    requestTimeout,
		}, q, logger)
	}

	if conf.SQS.RequestQueueURL != "" {
		client, err := sqsjudge.NewClient(context.Background(), conf.SQS.Region)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		s.sqs = sqsjudge.New(client, sqsjudge.Config{
			Region:           conf.SQS.Region,
			RequestQueueURL:  conf.SQS.RequestQueueURL,
			ResponseQueueURL: conf.SQS.ResponseQueueURL,
			WaitSeconds:      int32(conf.SQS.WaitSeconds),
			Timeout:          requestTimeout,
		}, q, logger)
	}

	return s, nil
}

func engineConfig(conf *config.Config, policy images.Policy) executor.Config {
	return executor.Config{
		PullImageAlways:       conf.Sandbox.PullImageAlways,
		ContainerReuseEnabled: conf.Sandbox.ContainerReuseEnabled,
		WarmPerLanguage:       conf.Sandbox.WarmPerLanguage,
		MaxWarmPerLanguage:    conf.Sandbox.MaxWarmPerLanguage,
		WorkspaceRoot:         conf.Sandbox.WorkspaceRoot,
		User:                  conf.Sandbox.User,
		Owner:                 conf.Sandbox.Owner,
		ImagePolicy:           policy,
		BootGrace:             conf.Sandbox.BootGrace(),
		MaxRepeatCount:        conf.Sandbox.MaxRepeatCount,
	}
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Msg("starting HTTP server")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	if s.conf.Sandbox.ReconcileOnStart {
		if _, err := s.engine.ReconcileOrphans(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to reconcile orphaned containers")
		}
	}

	// Ensure all required images are pulled and warm containers are running
	if err := s.engine.Prewarm(ctx); err != nil {
		return fmt.Errorf("failed to prewarm sandbox: %w", err)
	}

	s.rateLimiter.StartCleanup(ctx, 5*time.Minute)

	for _, w := range s.workers {
		s.goBackground(func() { w.Start(ctx) })
	}

	if s.nats != nil {
		if err := s.nats.Start(); err != nil {
			return err
		}
	}
	if s.sqs != nil {
		s.goBackground(func() { s.sqs.Run(ctx) })
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
	}

	if s.nats != nil {
		if err := s.nats.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if err := s.waitBackground(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := s.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove containers: %w", err))
	}
	if err := s.runtime.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// waitBackground blocks until every worker has finished its current job and
// returned, or ctx is done.
func (s *Server) waitBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers did not finish: %w", ctx.Err())
	}
}
