package report

import "strings"

// Status is the terminal classification of a single run.
type Status string

const (
	StatusCompleted        Status = "COMPLETED"
	StatusCompilationError Status = "COMPILATION_ERROR"
	StatusRuntimeError     Status = "RUNTIME_ERROR"
	StatusEnvironmentError Status = "ENVIRONMENT_ERROR"
	StatusFileError        Status = "FILE_ERROR"
	StatusExecutionError   Status = "EXECUTION_ERROR"
)

// NotRunExitCode marks runs whose process never reported an exit code,
// either because it was never started or because it timed out.
const NotRunExitCode = -1

type ExecutionMetrics struct {
	Language      string `json:"language"`
	Status        Status `json:"status"`
	RawOutput     string `json:"raw_output"`
	ExitCode      int    `json:"exit_code"`
	ElapsedMillis int64  `json:"elapsed_ms"`
	MemoryBytes   int64  `json:"memory_bytes"`
	OutputMatched bool   `json:"output_matched"`
}

type AggregateResult struct {
	Success          bool               `json:"success"`
	OutputMatched    bool               `json:"output_matched"`
	PerRunMetrics    []ExecutionMetrics `json:"per_run_metrics"`
	AvgElapsedMillis int64              `json:"avg_elapsed_ms"`
	AvgMemoryBytes   int64              `json:"avg_memory_bytes"`
	MaxElapsedMillis int64              `json:"max_elapsed_ms"`
	MaxMemoryBytes   int64              `json:"max_memory_bytes"`
}

// Matches reports whether actual equals expected after trimming outer
// whitespace. A nil expected never matches.
func Matches(actual string, expected *string) bool {
	if expected == nil {
		return false
	}
	return strings.TrimSpace(actual) == strings.TrimSpace(*expected)
}

// Aggregate folds per-run metrics into a single report. Success only means the
// batch ran to completion; callers inspect OutputMatched and per-run statuses.
func Aggregate(runs []ExecutionMetrics) AggregateResult {
	res := AggregateResult{
		Success:       true,
		OutputMatched: len(runs) > 0,
		PerRunMetrics: append([]ExecutionMetrics(nil), runs...),
	}
	if len(runs) == 0 {
		return res
	}

	var totalElapsed, totalMemory int64
	for _, run := range runs {
		totalElapsed += run.ElapsedMillis
		totalMemory += run.MemoryBytes
		if run.ElapsedMillis > res.MaxElapsedMillis {
			res.MaxElapsedMillis = run.ElapsedMillis
		}
		if run.MemoryBytes > res.MaxMemoryBytes {
			res.MaxMemoryBytes = run.MemoryBytes
		}
		res.OutputMatched = res.OutputMatched && run.OutputMatched
	}

	n := int64(len(runs))
	res.AvgElapsedMillis = totalElapsed / n
	res.AvgMemoryBytes = totalMemory / n
	return res
}
