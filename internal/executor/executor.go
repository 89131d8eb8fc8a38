package executor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/itstheanurag/judgebox/internal/images"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/memory"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/pool"
	"github.com/itstheanurag/judgebox/internal/report"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/rs/zerolog"
)

var ErrInvalidRepeatCount = errors.New("invalid repeat count")

// DefaultMaxRepeatCount applies when Options.MaxRepeatCount is unset.
const DefaultMaxRepeatCount = 100

type Options struct {
	// PullImageAlways pulls the image on every invocation unless the call
	// overrides it with WithForcePull.
	PullImageAlways bool
	// WorkspaceRoot is where workspaces are created. Empty means os.TempDir.
	WorkspaceRoot string
	// MaxRepeatCount is the largest accepted repeat count. Zero means
	// DefaultMaxRepeatCount.
	MaxRepeatCount int
}

// Deps are the collaborators shared by every Executor of an Engine.
type Deps struct {
	Pool   *pool.Manager
	Images *images.Provisioner
	Memory *memory.Collector
}

type callOptions struct {
	forcePull *bool
}

type Option func(*callOptions)

// WithForcePull overrides Options.PullImageAlways for one call.
func WithForcePull(force bool) Option {
	return func(o *callOptions) { o.forcePull = &force }
}

type mode int

const (
	modeBare mode = iota
	modeArgs
	modeFile
)

type invocation struct {
	mode     mode
	args     []string
	input    string
	expected *string
}

// Executor runs submissions of one language. It is safe for concurrent use;
// each call owns its workspace and containers.
type Executor struct {
	profile languages.Profile
	deps    Deps
	opts    Options
	logger  *zerolog.Logger
}

func NewExecutor(profile languages.Profile, deps Deps, opts Options, logger *zerolog.Logger) *Executor {
	l := logger.With().Str("language", profile.ID).Logger()
	return &Executor{profile: profile, deps: deps, opts: opts, logger: &l}
}

func (e *Executor) Profile() languages.Profile { return e.profile }

func (e *Executor) ExecuteCode(ctx context.Context, source string, expected *string, repeatCount int, opts ...Option) (report.AggregateResult, error) {
	return e.execute(ctx, source, invocation{mode: modeBare, expected: expected}, repeatCount, opts)
}

func (e *Executor) ExecuteCodeWithArgs(ctx context.Context, source string, args []string, expected *string, repeatCount int, opts ...Option) (report.AggregateResult, error) {
	return e.execute(ctx, source, invocation{mode: modeArgs, args: args, expected: expected}, repeatCount, opts)
}

// ExecuteCodeWithTestFile feeds inputFile to the program on stdin.
func (e *Executor) ExecuteCodeWithTestFile(ctx context.Context, source, inputFile string, expected *string, repeatCount int, opts ...Option) (report.AggregateResult, error) {
	return e.execute(ctx, source, invocation{mode: modeFile, input: inputFile, expected: expected}, repeatCount, opts)
}

func (e *Executor) execute(ctx context.Context, source string, inv invocation, repeatCount int, opts []Option) (report.AggregateResult, error) {
	if repeatCount < 1 {
		return report.AggregateResult{}, fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidRepeatCount, repeatCount)
	}
	if limit := e.maxRepeatCount(); repeatCount > limit {
		return report.AggregateResult{}, fmt.Errorf("%w: must be at most %d, got %d", ErrInvalidRepeatCount, limit, repeatCount)
	}
	var co callOptions
	for _, o := range opts {
		o(&co)
	}

	result, err := e.invoke(ctx, source, inv, repeatCount, co)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		e.logger.Error().Err(err).Msg("invocation failed")
	}
	metrics.InvocationsTotal.WithLabelValues(e.profile.ID, outcome).Inc()
	return result, err
}

func (e *Executor) maxRepeatCount() int {
	if e.opts.MaxRepeatCount > 0 {
		return e.opts.MaxRepeatCount
	}
	return DefaultMaxRepeatCount
}

func (e *Executor) invoke(ctx context.Context, source string, inv invocation, repeatCount int, co callOptions) (report.AggregateResult, error) {
	start := time.Now()

	ws, err := newWorkspace(e.opts.WorkspaceRoot, e.profile)
	if err != nil {
		return report.AggregateResult{}, err
	}
	defer ws.remove(e.logger)

	if err := ws.writeSource(e.profile, source); err != nil {
		return report.AggregateResult{}, err
	}
	if inv.mode == modeFile {
		if err := ws.writeInput(e.profile, inv.input); err != nil {
			return report.AggregateResult{}, err
		}
	}

	forcePull := e.opts.PullImageAlways
	if co.forcePull != nil {
		forcePull = *co.forcePull
	}
	if err := e.deps.Images.EnsureImage(ctx, e.profile.Image, forcePull); err != nil {
		return report.AggregateResult{}, err
	}

	tr := newTracker()
	defer func() {
		if n := tr.releaseAll(ctx, e.deps.Pool); n > 0 {
			e.logger.Warn().Int("count", n).Msg("released containers left behind by failed runs")
		}
	}()

	var runs []report.ExecutionMetrics
	for i := 0; i < repeatCount; i++ {
		runs = append(runs, e.runOnce(ctx, ws, inv, tr, i))
	}

	e.logger.Info().
		Int("repeat", repeatCount).
		Dur("took", time.Since(start)).
		Msg("invocation finished")
	metrics.ExecutionDuration.WithLabelValues(e.profile.ID, "total").Observe(float64(time.Since(start).Milliseconds()))
	return report.Aggregate(runs), nil
}

// runOnce never fails: every error or panic becomes an EXECUTION_ERROR run.
func (e *Executor) runOnce(ctx context.Context, ws *workspace, inv invocation, tr *tracker, attempt int) (m report.ExecutionMetrics) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Int("attempt", attempt).Msg("run panicked")
			m = e.profile.ErrorMetrics(report.StatusExecutionError, fmt.Sprintf("internal error: %v", r))
		}
		metrics.RunsTotal.WithLabelValues(e.profile.ID, string(m.Status)).Inc()
	}()

	res, err := e.run(ctx, ws, inv, tr)
	if err != nil {
		e.logger.Error().Err(err).Int("attempt", attempt).Msg("run failed")
		return e.profile.ErrorMetrics(report.StatusExecutionError, err.Error())
	}
	return res
}

func (e *Executor) run(ctx context.Context, ws *workspace, inv invocation, tr *tracker) (report.ExecutionMetrics, error) {
	h, err := e.deps.Pool.Acquire(ctx, e.profile, ws.dir)
	if err != nil {
		return report.ExecutionMetrics{}, fmt.Errorf("failed to acquire container: %w", err)
	}
	tr.add(h)
	defer func() {
		e.deps.Pool.Release(ctx, h)
		tr.done(h)
	}()

	if len(e.profile.Probe) > 0 {
		res, err := e.exec(ctx, h, e.profile.Probe)
		if err != nil {
			return report.ExecutionMetrics{}, fmt.Errorf("runtime probe: %w", err)
		}
		if res.ExitCode != 0 {
			return e.profile.ErrorMetrics(report.StatusEnvironmentError, "runtime not available: "+res.Combined()), nil
		}
	}

	base := e.profile.BaseName
	if cmd, ok := e.profile.CompileCommand(base); ok {
		res, err := e.exec(ctx, h, cmd)
		if err != nil {
			return report.ExecutionMetrics{}, fmt.Errorf("compile: %w", err)
		}
		metrics.ExecutionDuration.WithLabelValues(e.profile.ID, "compile").Observe(float64(res.Duration.Milliseconds()))
		if res.ExitCode != 0 {
			return e.profile.ErrorMetrics(report.StatusCompilationError, res.Combined()), nil
		}
	}

	var cmd []string
	switch inv.mode {
	case modeFile:
		inputPath := path.Join(h.WorkDir, InputFileName)
		res, err := e.exec(ctx, h, []string{"test", "-r", inputPath})
		if err != nil {
			return report.ExecutionMetrics{}, fmt.Errorf("input file check: %w", err)
		}
		if res.ExitCode != 0 {
			return e.profile.ErrorMetrics(report.StatusFileError, "input file is not readable: "+inputPath), nil
		}
		cmd = e.profile.RunWithInputFileCommand(base, inputPath)
	case modeArgs:
		cmd = e.profile.RunCommand(base, inv.args)
	default:
		cmd = e.profile.RunCommand(base, nil)
	}

	sampler := e.deps.Memory.Start(ctx, h.ID)
	start := time.Now()
	res, err := e.exec(ctx, h, cmd)
	if err != nil {
		sampler.Discard()
		return report.ExecutionMetrics{}, fmt.Errorf("run: %w", err)
	}
	mem := sampler.Stop(ctx)
	elapsed := res.Duration
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}
	metrics.ExecutionDuration.WithLabelValues(e.profile.ID, "run").Observe(float64(elapsed.Milliseconds()))

	status := report.StatusCompleted
	raw := res.Stdout
	if res.TimedOut || res.ExitCode != 0 {
		status = report.StatusRuntimeError
		raw = res.Combined()
	}
	raw = strings.TrimSpace(raw)

	metrics.MemoryUsage.WithLabelValues(e.profile.ID).Observe(float64(mem))

	return report.ExecutionMetrics{
		Language:      e.profile.ID,
		Status:        status,
		RawOutput:     raw,
		ExitCode:      res.ExitCode,
		ElapsedMillis: elapsed.Milliseconds(),
		MemoryBytes:   mem,
		OutputMatched: report.Matches(raw, inv.expected),
	}, nil
}

func (e *Executor) exec(ctx context.Context, h *pool.Handle, cmd []string) (sandbox.ExecResult, error) {
	return e.deps.Pool.Exec(ctx, h, sandbox.ExecRequest{
		Cmd:     cmd,
		WorkDir: h.WorkDir,
		Timeout: sandbox.CommandTimeout,
	})
}
