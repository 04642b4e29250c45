package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueJSONOutput bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the sync queue",
	RunE:  runQueue,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending sync queue items",
	RunE:  runQueue,
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSONOutput, "json", false, "Output in JSON format")
	queueCmd.AddCommand(queueListCmd)
}

type queueItem struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Endpoint   string          `json:"endpoint"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Status     string          `json:"status"`
}

type queueResponse struct {
	Pending int         `json:"pending"`
	Items   []queueItem `json:"items"`
}

func runQueue(cmd *cobra.Command, args []string) error {
	var qr queueResponse
	if err := diagGet(cmd.Context(), "/queue", &qr); err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if queueJSONOutput {
		return printJSON(out, qr)
	}

	if qr.Pending == 0 {
		fmt.Fprintln(out, "Sync queue is empty.")
		return nil
	}

	fmt.Fprintf(out, "%d pending item(s)\n\n", qr.Pending)
	tw := newTabWriter(out)
	fmt.Fprintln(tw, "ID\tACTION\tENDPOINT\tQUEUED\tRETRIES")
	for _, item := range qr.Items {
		queued := time.UnixMilli(item.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\n",
			item.ID, item.Action, item.Endpoint, queued, item.RetryCount, item.MaxRetries)
	}
	return tw.Flush()
}
