package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/images"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/report"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/itstheanurag/judgebox/internal/sandbox/sandboxtest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

type harness struct {
	rt     *sandboxtest.Runtime
	engine *executor.Engine
	root   string
}

func newHarness(t *testing.T, mutate func(*executor.Config)) *harness {
	t.Helper()
	rt := sandboxtest.New()
	rt.Samples = []int64{4 << 20}
	registry := languages.NewRegistry()
	for _, p := range registry.List() {
		rt.Images[p.Image] = true
	}

	root := t.TempDir()
	cfg := executor.Config{
		WorkspaceRoot:      root,
		User:               "nobody",
		Owner:              "test",
		ImagePolicy:        images.FailFast,
		MaxWarmPerLanguage: 1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zerolog.Nop()
	return &harness{
		rt:     rt,
		engine: executor.NewEngine(registry, rt, cfg, &logger),
		root:   root,
	}
}

func (h *harness) executor(t *testing.T, lang string) *executor.Executor {
	t.Helper()
	ex, err := h.engine.Executor(lang)
	require.NoError(t, err)
	return ex
}

// script answers each exec by its joined command line. Commands the handler
// does not recognise succeed with no output.
func (h *harness) script(fn func(cmd string) (sandbox.ExecResult, error)) {
	h.rt.ExecFn = func(_ int, _ string, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
		return fn(strings.Join(req.Cmd, " "))
	}
}

func (h *harness) commands() []string { return h.rt.ExecCommands() }

func (h *harness) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func containsPrefix(cmds []string, prefix string) bool {
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestHelloWorldMatches(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd == "python3 main.py" {
			return sandbox.ExecResult{Stdout: "Hello\n", Duration: 12 * time.Millisecond}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), `print("Hello")`, strPtr("Hello"), 1)
	require.NoError(t, err)

	require.Len(t, res.PerRunMetrics, 1)
	run := res.PerRunMetrics[0]
	assert.Equal(t, report.StatusCompleted, run.Status)
	assert.Equal(t, "Hello", run.RawOutput)
	assert.True(t, run.OutputMatched)
	assert.Equal(t, int64(12), run.ElapsedMillis)
	assert.Equal(t, int64(4<<20), run.MemoryBytes)
	assert.Equal(t, "python", run.Language)
	assert.True(t, res.Success)
	assert.True(t, res.OutputMatched)

	assert.Empty(t, h.rt.Live())
	h.assertNoWorkspaces(t)
}

func TestDivisionByZeroIsRuntimeError(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd == "python3 main.py" {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "ZeroDivisionError: division by zero\n"}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1/0)", strPtr("0"), 1)
	require.NoError(t, err)

	run := res.PerRunMetrics[0]
	assert.Equal(t, report.StatusRuntimeError, run.Status)
	assert.Contains(t, run.RawOutput, "ZeroDivisionError")
	assert.Equal(t, 1, run.ExitCode)
	assert.False(t, run.OutputMatched)
	assert.False(t, res.OutputMatched)
}

func TestUnreadableInputFileSkipsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if strings.HasPrefix(cmd, "test -r") {
			return sandbox.ExecResult{ExitCode: 1}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "python").ExecuteCodeWithTestFile(context.Background(), "print(input())", "42", strPtr("42"), 1)
	require.NoError(t, err)

	run := res.PerRunMetrics[0]
	assert.Equal(t, report.StatusFileError, run.Status)
	assert.False(t, run.OutputMatched)
	assert.Contains(t, h.commands(), "test -r /workspace/input.txt")
	assert.False(t, containsPrefix(h.commands(), "sh -c exec python3"))
}

func TestExecFailureMidLoopIsIsolated(t *testing.T) {
	h := newHarness(t, nil)
	runs := 0
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd != "python3 main.py" {
			return sandbox.ExecResult{}, nil
		}
		runs++
		if runs == 2 {
			return sandbox.ExecResult{}, errors.New("connection reset by peer")
		}
		return sandbox.ExecResult{Stdout: "Hello"}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), `print("Hello")`, strPtr("Hello"), 3)
	require.NoError(t, err)

	require.Len(t, res.PerRunMetrics, 3)
	assert.Equal(t, report.StatusCompleted, res.PerRunMetrics[0].Status)
	assert.Equal(t, report.StatusExecutionError, res.PerRunMetrics[1].Status)
	assert.Contains(t, res.PerRunMetrics[1].RawOutput, "connection reset")
	assert.Equal(t, report.StatusCompleted, res.PerRunMetrics[2].Status)
	assert.False(t, res.OutputMatched)
	assert.Empty(t, h.rt.Live())
}

func TestCompilationErrorSkipsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if strings.HasPrefix(cmd, "g++ -std=c++17") {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "main.cpp:1:1: error: expected ';'"}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "cpp").ExecuteCode(context.Background(), "int main() { return 0 }", strPtr(""), 1)
	require.NoError(t, err)

	run := res.PerRunMetrics[0]
	assert.Equal(t, report.StatusCompilationError, run.Status)
	assert.Contains(t, run.RawOutput, "expected ';'")
	assert.Zero(t, run.MemoryBytes)
	assert.Zero(t, run.ElapsedMillis)
	assert.False(t, run.OutputMatched)
	assert.NotContains(t, h.commands(), "./main")
}

func TestCompiledLanguageRunsBinary(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd == "./main" {
			return sandbox.ExecResult{Stdout: "3\n"}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "cpp").ExecuteCode(context.Background(), "...", strPtr("3"), 1)
	require.NoError(t, err)

	assert.Equal(t, report.StatusCompleted, res.PerRunMetrics[0].Status)
	assert.Equal(t, []string{
		"g++ --version",
		"g++ -std=c++17 -O2 -o main main.cpp",
		"./main",
	}, h.commands())
}

func TestMissingRuntimeIsEnvironmentError(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd == "python3 --version" {
			return sandbox.ExecResult{ExitCode: 127, Stderr: "python3: not found"}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1)", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, report.StatusEnvironmentError, res.PerRunMetrics[0].Status)
	assert.Equal(t, []string{"python3 --version"}, h.commands())
}

func TestTimeoutIsRuntimeError(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd == "python3 main.py" {
			return sandbox.ExecResult{
				Stderr:   "\n[terminated: exceeded 10s]",
				ExitCode: sandbox.TimeoutExitCode,
				TimedOut: true,
				Duration: sandbox.CommandTimeout,
			}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "while True: pass", strPtr(""), 1)
	require.NoError(t, err)

	run := res.PerRunMetrics[0]
	assert.Equal(t, report.StatusRuntimeError, run.Status)
	assert.Equal(t, -1, run.ExitCode)
	assert.Contains(t, run.RawOutput, "terminated")
	assert.Equal(t, int64(10000), run.ElapsedMillis)
}

func TestInvalidRepeatCountHasNoSideEffects(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1)", nil, 0)
	require.ErrorIs(t, err, executor.ErrInvalidRepeatCount)

	created, _ := h.rt.Counts()
	assert.Zero(t, created)
	assert.Empty(t, h.rt.Inspects)
	h.assertNoWorkspaces(t)
}

func TestRepeatCountAboveLimitIsRejected(t *testing.T) {
	h := newHarness(t, func(c *executor.Config) { c.MaxRepeatCount = 3 })
	ex := h.executor(t, "python")

	_, err := ex.ExecuteCode(context.Background(), "print(1)", nil, 4)
	require.ErrorIs(t, err, executor.ErrInvalidRepeatCount)

	_, err = ex.ExecuteCode(context.Background(), "print(1)", nil, 1<<40)
	require.ErrorIs(t, err, executor.ErrInvalidRepeatCount)

	created, _ := h.rt.Counts()
	assert.Zero(t, created)
	h.assertNoWorkspaces(t)

	res, err := ex.ExecuteCode(context.Background(), "print(1)", nil, 3)
	require.NoError(t, err)
	assert.Len(t, res.PerRunMetrics, 3)
}

func TestDefaultRepeatCountLimit(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1)", nil, executor.DefaultMaxRepeatCount+1)
	require.ErrorIs(t, err, executor.ErrInvalidRepeatCount)
}

func TestMemoryIsSampledWhileProgramRuns(t *testing.T) {
	h := newHarness(t, nil)
	opened := make(chan struct{}, 4)
	h.rt.OnSamples = func(string) { opened <- struct{}{} }

	var overlapped bool
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd != "python3 main.py" {
			return sandbox.ExecResult{}, nil
		}
		select {
		case <-opened:
			overlapped = true
		case <-time.After(time.Second):
		}
		return sandbox.ExecResult{Stdout: "ok"}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "print('ok')", nil, 1)
	require.NoError(t, err)

	assert.True(t, overlapped, "stats stream must be open before the program exits")
	assert.Equal(t, int64(4<<20), res.PerRunMetrics[0].MemoryBytes)
}

func TestNilExpectedNeverMatches(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "pass", nil, 2)
	require.NoError(t, err)

	require.Len(t, res.PerRunMetrics, 2)
	for _, run := range res.PerRunMetrics {
		assert.Equal(t, report.StatusCompleted, run.Status)
		assert.False(t, run.OutputMatched)
	}
}

func TestArgsAreAppendedToRunCommand(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.executor(t, "python").ExecuteCodeWithArgs(context.Background(), "import sys", []string{"a b", "c"}, nil, 1)
	require.NoError(t, err)

	last := h.rt.Execs[len(h.rt.Execs)-1].Cmd
	assert.Equal(t, []string{"python3", "main.py", "a b", "c"}, last)
}

func TestInputFileIsFedOnStdin(t *testing.T) {
	h := newHarness(t, nil)
	var seen string
	h.rt.ExecFn = func(_ int, id string, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
		if req.Cmd[0] == "sh" && strings.Contains(req.Cmd[2], "python3") {
			c, _ := h.rt.Container(id)
			data, err := os.ReadFile(filepath.Join(c.Spec.BindDir, executor.InputFileName))
			if err != nil {
				return sandbox.ExecResult{}, err
			}
			seen = string(data)
			return sandbox.ExecResult{Stdout: seen}, nil
		}
		return sandbox.ExecResult{}, nil
	}

	res, err := h.executor(t, "python").ExecuteCodeWithTestFile(context.Background(), "print(input())", "7 8\n", strPtr("7 8"), 1)
	require.NoError(t, err)

	assert.Equal(t, "7 8\n", seen)
	assert.True(t, res.OutputMatched)
	assert.Contains(t, h.commands(), "sh -c exec python3 main.py < /workspace/input.txt")
}

func TestAcquireFailureKeepsRunCount(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.CreateErr = func(sandbox.ContainerSpec) error { return errors.New("no space left on device") }

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1)", strPtr("1"), 3)
	require.NoError(t, err)

	require.Len(t, res.PerRunMetrics, 3)
	for _, run := range res.PerRunMetrics {
		assert.Equal(t, report.StatusExecutionError, run.Status)
		assert.Equal(t, -1, run.ExitCode)
	}
	h.assertNoWorkspaces(t)
}

func TestPanicDuringRunIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd == "python3 main.py" {
			panic("boom")
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1)", nil, 1)
	require.NoError(t, err)

	assert.Equal(t, report.StatusExecutionError, res.PerRunMetrics[0].Status)
	assert.Contains(t, res.PerRunMetrics[0].RawOutput, "boom")
	assert.Empty(t, h.rt.Live())
}

func TestPullFailureIsFatalAndCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.Images = map[string]bool{}
	h.rt.PullErr = errors.New("manifest unknown")

	_, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1)", nil, 1)
	require.ErrorIs(t, err, images.ErrPullFailed)

	created, _ := h.rt.Counts()
	assert.Zero(t, created)
	h.assertNoWorkspaces(t)
}

func TestForcePullOverridesConfig(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.executor(t, "python").ExecuteCode(context.Background(), "print(1)", nil, 1, executor.WithForcePull(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"python:3.12-slim"}, h.rt.Pulls)

	h2 := newHarness(t, func(c *executor.Config) { c.PullImageAlways = true })
	_, err = h2.executor(t, "python").ExecuteCode(context.Background(), "print(1)", nil, 1, executor.WithForcePull(false))
	require.NoError(t, err)
	assert.Empty(t, h2.rt.Pulls)
}

func TestRepeatsReuseWarmContainer(t *testing.T) {
	h := newHarness(t, func(c *executor.Config) { c.ContainerReuseEnabled = true })
	h.script(func(cmd string) (sandbox.ExecResult, error) {
		if cmd == "python3 main.py" {
			return sandbox.ExecResult{Stdout: "ok"}, nil
		}
		return sandbox.ExecResult{}, nil
	})

	res, err := h.executor(t, "python").ExecuteCode(context.Background(), "print('ok')", strPtr("ok"), 3)
	require.NoError(t, err)
	assert.True(t, res.OutputMatched)

	created, _ := h.rt.Counts()
	assert.Equal(t, 1, created)
	stats := h.engine.Pool().Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, 1, stats.Warm)
	assert.Len(t, h.rt.Live(), 1)

	require.NoError(t, h.engine.Shutdown(context.Background()))
	assert.Empty(t, h.rt.Live())
}
