package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/runner"
	"github.com/openfroyo/sitekick/pkg/stores"
)

const (
	outputText  = "text"
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func checkOutput(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported output format %q (must be one of %s)", format, strings.Join(allowed, ", "))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// printResult prints a single reconciliation result.
func printResult(w io.Writer, result *deployment.Result, format string) error {
	switch format {
	case outputJSON:
		return writeJSON(w, result)
	case outputYAML:
		return writeYAML(w, struct {
			Successful bool               `yaml:"successful"`
			Entries    []deployment.Entry `yaml:"entries"`
		}{result.Successful(), result.Entries()})
	default:
		if result.Len() > 0 {
			fmt.Fprintln(w, result.String())
		}
		return nil
	}
}

// reportDocument is the yaml rendering of a run report with its entries.
type reportDocument struct {
	runner.RunReport `yaml:",inline"`
	Entries          map[string][]stores.OutcomeEntry `yaml:"entries"`
}

func printReport(w io.Writer, report *runner.RunReport, format string) error {
	switch format {
	case outputJSON:
		return writeJSON(w, report)
	case outputYAML:
		doc := reportDocument{RunReport: *report, Entries: make(map[string][]stores.OutcomeEntry)}
		for _, t := range report.Tasks {
			doc.Entries[t.TaskID] = t.Entries()
		}
		return writeYAML(w, doc)
	default:
		_, err := io.WriteString(w, report.String())
		return err
	}
}

func printRuns(w io.Writer, runs []*stores.Run, format string) error {
	switch format {
	case outputJSON:
		return writeJSON(w, runs)
	case outputYAML:
		return writeYAML(w, runs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tTASK FILE\tSTATUS\tTASKS\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.TaskFile, r.Status, r.TaskCount, r.FailedTasks,
			r.StartedAt.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}

func printTaskResults(w io.Writer, results []*stores.TaskResult, format string) error {
	switch format {
	case outputJSON:
		return writeJSON(w, results)
	case outputYAML:
		return writeYAML(w, results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTASK\tACTION\tTARGET\tSTATUS\tSTARTED")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s:%s%s\t%s\t%s\n",
			r.Seq, r.TaskID, r.Action, r.Host, r.Site, r.Application, r.Status,
			r.StartedAt.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range results {
		if len(r.Entries) == 0 && r.Error == nil {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", r.TaskID)
		for _, e := range r.Entries {
			fmt.Fprintf(w, "  %-7s [%s] %s\n", e.Phase, e.Kind, e.Message)
		}
		if r.Error != nil {
			fmt.Fprintf(w, "  error: %s\n", *r.Error)
		}
	}
	return nil
}
