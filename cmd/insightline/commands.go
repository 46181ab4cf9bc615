package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/insightline/internal/alert"
	"github.com/kalambet/insightline/internal/api"
	"github.com/kalambet/insightline/internal/config"
	"github.com/kalambet/insightline/internal/queue"
	"github.com/kalambet/insightline/internal/storage"
)

// --- drain ---

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process due queue items once and exit",
	Long: `Process due queue items once and exit.

Useful from an external scheduler when the server runs without the
in-process ticker, or to flush the queue by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch")

		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if batch <= 0 {
			batch = cfg.Queue.BatchSize
		}
		sum, err := a.worker.Drain(cmd.Context(), batch)
		if err != nil {
			return err
		}
		printDrainSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

func init() {
	drainCmd.Flags().Int("batch", 0, "maximum items to process (default queue.batch_size)")
}

func printDrainSummary(w io.Writer, sum queue.Summary) {
	fmt.Fprintf(w, "processed %d: %s, %s, %s\n",
		sum.Processed,
		colorize(outcomeColor("completed"), fmt.Sprintf("%d succeeded", sum.Succeeded)),
		colorize(outcomeColor("retried"), fmt.Sprintf("%d retried", sum.Retried)),
		colorize(outcomeColor("failed"), fmt.Sprintf("%d failed", sum.Failed)),
	)
	if sum.Requeued > 0 {
		fmt.Fprintf(w, "requeued %d stale item(s)\n", sum.Requeued)
	}
}

// --- check-alerts ---

var checkAlertsCmd = &cobra.Command{
	Use:   "check-alerts",
	Short: "Evaluate every enabled alert for the current minute and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		sum, err := a.alerts.CheckAll(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		printAlertSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

func printAlertSummary(w io.Writer, sum alert.Summary) {
	fmt.Fprintf(w, "checked %d, triggered %d\n", sum.Checked, sum.Triggered)
	for _, r := range sum.Results {
		printAlertResult(w, r)
	}
}

func printAlertResult(w io.Writer, r alert.Result) {
	line := fmt.Sprintf("  %s %s", colorize(colorBold, r.Name), colorize(outcomeColor(r.Outcome), r.Outcome))
	if r.Value != nil {
		line += fmt.Sprintf(" value=%g", *r.Value)
	}
	if r.Sent > 0 {
		line += fmt.Sprintf(" sent=%d", r.Sent)
	}
	if r.Error != "" {
		line += " error=" + r.Error
	}
	fmt.Fprintln(w, line)
}

// --- alert ---

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage alerts",
}

var alertTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "Send an alert now, ignoring its schedule and condition",
	Long: `Send an alert now, ignoring its schedule, dedup window and condition.

Examples:
  insightline alert trigger 6f1c...            # runs in this process
  insightline alert trigger 6f1c... --remote   # asks the running server`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetBool("remote")
		id := args[0]

		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		var res alert.Result
		if remote {
			res, err = triggerRemote(cmd.Context(), newAPIClient(cfg), id)
		} else {
			res, err = triggerLocal(cmd.Context(), cfg, id)
		}
		if err != nil {
			return err
		}
		printAlertResult(cmd.OutOrStdout(), res)
		if res.Outcome == alert.OutcomeTriggered {
			printSuccess("Alert %s sent to %d recipient(s)", id, res.Sent)
		}
		return nil
	},
}

func init() {
	alertTriggerCmd.Flags().Bool("remote", false, "trigger through the running server's HTTP endpoint")
	alertCmd.AddCommand(alertTriggerCmd)
}

func triggerLocal(ctx context.Context, cfg config.Config, id string) (alert.Result, error) {
	a, err := newApp(cfg)
	if err != nil {
		return alert.Result{}, err
	}
	defer a.close()
	return a.alerts.TriggerNow(ctx, id)
}

func triggerRemote(ctx context.Context, c *apiClient, id string) (alert.Result, error) {
	resp, err := c.post(ctx, "/alerts/"+url.PathEscape(id)+"/trigger")
	if err != nil {
		return alert.Result{}, err
	}
	var res alert.Result
	if err := decodeJSON(resp, &res); err != nil {
		return alert.Result{}, err
	}
	return res, nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		return showStatus(cmd.Context(), cfg, newAPIClient(cfg))
	},
}

func showStatus(ctx context.Context, cfg config.Config, c *apiClient) error {
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.get(hctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running at %s", c.baseURL)
		} else {
			printStatus("Server", "unhealthy (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Time zone", "%s", cfg.Alerts.Timezone)
	printStatus("Scheduler", "%s", enabledLabel(cfg.Scheduler.Enabled))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printError("opening storage: %v", err)
		return nil
	}
	defer store.Close()

	counts, err := store.CountQueueItems(ctx)
	if err != nil {
		printError("counting queue items: %v", err)
		return nil
	}
	printStatus("Queue", "%s", queueCountsLabel(counts))
	return nil
}

func enabledLabel(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// queueCountsLabel renders counts in lifecycle order, unknown statuses last.
func queueCountsLabel(counts map[string]int) string {
	order := []string{
		storage.StatusPending,
		storage.StatusProcessing,
		storage.StatusCompleted,
		storage.StatusFailed,
	}
	seen := make(map[string]bool, len(order))
	var parts []string
	for _, s := range order {
		seen[s] = true
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	var rest []string
	for s := range counts {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	for _, s := range rest {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	return strings.Join(parts, " ")
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the operator MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		s := api.NewMCPServer(api.MCPDeps{
			Executor: a.powerbi,
			Learning: a.learning,
			Buckets:  a.classifier.Buckets(),
			Queue:    a.store,
			Version:  version,
		})
		return server.ServeStdio(s)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(false); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		printStep("Written to %s", config.FilePath())
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
