package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/itstheanurag/judgebox/internal/images"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/memory"
	"github.com/itstheanurag/judgebox/internal/pool"
	"github.com/itstheanurag/judgebox/internal/report"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const prewarmParallelism = 4

// Submission is one request to the engine. The mode is picked from the
// fields: InputFile set means test-file mode, else non-empty Args means
// argv mode, else a bare run.
type Submission struct {
	Language       string   `json:"language"`
	Source         string   `json:"source_code"`
	Args           []string `json:"args,omitempty"`
	InputFile      *string  `json:"input_file,omitempty"`
	ExpectedOutput *string  `json:"expected_output,omitempty"`
	RepeatCount    int      `json:"repeat_count"`
	ForcePull      *bool    `json:"force_pull,omitempty"`
}

type Config struct {
	PullImageAlways       bool
	ContainerReuseEnabled bool
	WarmPerLanguage       int
	MaxWarmPerLanguage    int
	WorkspaceRoot         string
	User                  string
	Owner                 string
	ImagePolicy           images.Policy
	BootGrace             time.Duration
	// MaxRepeatCount caps repeat counts per submission. Zero means
	// DefaultMaxRepeatCount.
	MaxRepeatCount int
}

// Engine routes submissions to per-language executors that share one pool,
// one image provisioner and one memory collector.
type Engine struct {
	registry  *languages.Registry
	rt        sandbox.Runtime
	cfg       Config
	deps      Deps
	logger    *zerolog.Logger
	executors *xsync.MapOf[string, *Executor]
}

func NewEngine(registry *languages.Registry, rt sandbox.Runtime, cfg Config, logger *zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		rt:       rt,
		cfg:      cfg,
		deps: Deps{
			Pool: pool.NewManager(rt, pool.Options{
				ReuseEnabled:       cfg.ContainerReuseEnabled,
				MaxWarmPerLanguage: cfg.MaxWarmPerLanguage,
				User:               cfg.User,
				Owner:              cfg.Owner,
				BootGrace:          cfg.BootGrace,
			}, logger),
			Images: images.NewProvisioner(rt, cfg.ImagePolicy, logger),
			Memory: memory.NewCollector(rt, logger),
		},
		logger:    logger,
		executors: xsync.NewMapOf[string, *Executor](),
	}
}

func (e *Engine) Languages() []languages.Profile { return e.registry.List() }

func (e *Engine) Pool() *pool.Manager { return e.deps.Pool }

// Executor returns the executor for a language, building it on first use.
func (e *Engine) Executor(languageID string) (*Executor, error) {
	profile, err := e.registry.Get(languageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, languageID)
	}
	ex, _ := e.executors.LoadOrCompute(profile.ID, func() *Executor {
		return NewExecutor(profile, e.deps, Options{
			PullImageAlways: e.cfg.PullImageAlways,
			WorkspaceRoot:   e.cfg.WorkspaceRoot,
			MaxRepeatCount:  e.cfg.MaxRepeatCount,
		}, e.logger)
	})
	return ex, nil
}

func (e *Engine) Execute(ctx context.Context, sub Submission) (report.AggregateResult, error) {
	ex, err := e.Executor(sub.Language)
	if err != nil {
		return report.AggregateResult{}, err
	}

	var opts []Option
	if sub.ForcePull != nil {
		opts = append(opts, WithForcePull(*sub.ForcePull))
	}

	switch {
	case sub.InputFile != nil:
		return ex.ExecuteCodeWithTestFile(ctx, sub.Source, *sub.InputFile, sub.ExpectedOutput, sub.RepeatCount, opts...)
	case len(sub.Args) > 0:
		return ex.ExecuteCodeWithArgs(ctx, sub.Source, sub.Args, sub.ExpectedOutput, sub.RepeatCount, opts...)
	default:
		return ex.ExecuteCode(ctx, sub.Source, sub.ExpectedOutput, sub.RepeatCount, opts...)
	}
}

// Prewarm provisions every registered image and starts the configured number
// of warm containers per language.
func (e *Engine) Prewarm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmParallelism)
	for _, profile := range e.registry.List() {
		g.Go(func() error {
			if err := e.deps.Images.EnsureImage(gctx, profile.Image, e.cfg.PullImageAlways); err != nil {
				return fmt.Errorf("prewarm %s: %w", profile.ID, err)
			}
			started, err := e.deps.Pool.Prewarm(gctx, profile, e.cfg.WarmPerLanguage)
			if err != nil {
				return fmt.Errorf("prewarm %s: %w", profile.ID, err)
			}
			if started > 0 {
				e.logger.Info().Str("language", profile.ID).Int("containers", started).Msg("warm containers ready")
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) ReconcileOrphans(ctx context.Context) (int, error) {
	return e.deps.Pool.ReconcileOrphans(ctx)
}

// Shutdown removes every container the engine owns. The runtime itself is
// closed by whoever created it.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.deps.Pool.Shutdown(ctx)
}
