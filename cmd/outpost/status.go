package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and table statistics",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "Output in JSON format")
}

type healthResponse struct {
	Version             string    `json:"version"`
	Healthy             bool      `json:"healthy"`
	Known               bool      `json:"known"`
	Degraded            bool      `json:"degraded"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalChecks         int64     `json:"total_checks"`
	AvgResponseMs       int64     `json:"avg_response_ms"`
	LastError           string    `json:"last_error"`
	Recoveries          int64     `json:"recoveries"`
	LastRecovery        string    `json:"last_recovery"`
}

type statsResponse struct {
	Tables map[string]int64 `json:"tables"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var hr healthResponse
	if err := diagGet(ctx, "/health", &hr); err != nil {
		return err
	}
	var sr statsResponse
	if err := diagGet(ctx, "/stats", &sr); err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if statusJSONOutput {
		return printJSON(out, map[string]any{
			"health": hr,
			"tables": sr.Tables,
		})
	}

	state := "healthy"
	switch {
	case !hr.Known:
		state = "unknown"
	case !hr.Healthy:
		state = "unhealthy"
	}
	if hr.Degraded {
		state += " (degraded)"
	}

	fmt.Fprintf(out, "Version:     %s\n", hr.Version)
	fmt.Fprintf(out, "Status:      %s\n", state)
	if hr.Known {
		fmt.Fprintf(out, "Last Check:  %s\n", hr.LastCheck.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(out, "Checks:      %d\n", hr.TotalChecks)
		fmt.Fprintf(out, "Avg Probe:   %dms\n", hr.AvgResponseMs)
	}
	if hr.ConsecutiveFailures > 0 {
		fmt.Fprintf(out, "Failures:    %d consecutive\n", hr.ConsecutiveFailures)
	}
	if hr.LastError != "" {
		fmt.Fprintf(out, "Last Error:  %s\n", hr.LastError)
	}
	if hr.Recoveries > 0 {
		fmt.Fprintf(out, "Recoveries:  %d (last: %s)\n", hr.Recoveries, hr.LastRecovery)
	}

	fmt.Fprintln(out)
	tw := newTabWriter(out)
	fmt.Fprintln(tw, "TABLE\tROWS")
	for table, count := range sr.Tables {
		fmt.Fprintf(tw, "%s\t%d\n", table, count)
	}
	return tw.Flush()
}
