package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/report"
)

var (
	okText    = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnText  = color.New(color.FgYellow).SprintFunc()
	errorText = color.New(color.FgRed, color.Bold).SprintFunc()
	dimText   = color.New(color.Faint).SprintFunc()
)

const outputPreview = 40

func printResult(w io.Writer, res report.AggregateResult, checked bool) {
	fmt.Fprintf(w, "%-4s %-18s %6s %10s %12s %-7s %s\n", "RUN", "STATUS", "EXIT", "TIME(ms)", "MEMORY(KiB)", "MATCH", "OUTPUT")
	for i, m := range res.PerRunMetrics {
		fmt.Fprintf(w, "%-4d %-18s %6d %10d %12d %-7s %s\n",
			i+1,
			statusText(m.Status),
			m.ExitCode,
			m.ElapsedMillis,
			m.MemoryBytes/1024,
			matchText(m.OutputMatched, checked),
			dimText(preview(m.RawOutput)),
		)
	}

	fmt.Fprintf(w, "\navg %d ms / %d KiB, max %d ms / %d KiB\n",
		res.AvgElapsedMillis, res.AvgMemoryBytes/1024, res.MaxElapsedMillis, res.MaxMemoryBytes/1024)
	if checked {
		if res.OutputMatched {
			fmt.Fprintln(w, okText("all runs matched"))
		} else {
			fmt.Fprintln(w, errorText("output mismatch"))
		}
	}
}

func printLanguages(w io.Writer, profiles []languages.Profile) {
	for _, p := range profiles {
		kind := "interpreted"
		if len(p.Compile) > 0 {
			kind = "compiled"
		}
		fmt.Fprintf(w, "%-12s %-12s %-24s %s\n", okText(p.ID), p.Name, p.Image, dimText(kind))
	}
}

func statusText(s report.Status) string {
	switch s {
	case report.StatusCompleted:
		return okText(string(s))
	case report.StatusRuntimeError, report.StatusCompilationError:
		return warnText(string(s))
	default:
		return errorText(string(s))
	}
}

func matchText(matched, checked bool) string {
	switch {
	case !checked:
		return "-"
	case matched:
		return okText("yes")
	default:
		return errorText("no")
	}
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", `\n`)
	if len(s) > outputPreview {
		return s[:outputPreview] + "..."
	}
	return s
}
