package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/triage"
	"github.com/h1v3-io/triage/pkg/protocol"
)

func init() {
	rootCmd.AddCommand(runCmd(), healthCmd(), metricsCmd(), triageCmd(), ticketsCmd(), configCmd())
}

// --- run ---

func runCmd() *cobra.Command {
	var (
		configPath string
		remote     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one triage batch",
		Long: `Run one triage batch over the configured sources and write the output
files. With --remote the daemon starts the batch instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remote {
				body, err := apiDo("POST", "/api/runs", nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
				return nil
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logBuf := logbuf.New(cfg.Log.BufferSize)
			logger := slog.New(logbuf.NewHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}), logBuf))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			job, err := triage.New(cfg, triage.WithLogger(logger), triage.WithLogBuffer(logBuf))
			if err != nil {
				return err
			}
			defer job.Close()

			sum, err := job.Run(ctx)
			if sum != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderSummary(sum))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("TRIAGE_CONFIG"), "Config file (.json, .yaml); TRIAGE_* env when empty")
	cmd.Flags().BoolVar(&remote, "remote", false, "Ask the daemon to run the batch")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

// --- health / metrics ---

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := apiGet("/api/health")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show ticket counts by category, priority and review status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := apiGet("/api/metrics")
			if err != nil {
				return err
			}
			var st ticket.Stats
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode metrics: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %d   %s %d\n",
				headerStyle.Render("total"), st.Total,
				headerStyle.Render("fallback"), st.Fallback)
			fmt.Fprintln(out, renderCounts("category", st.ByCategory))
			fmt.Fprintln(out, renderCounts("priority", st.ByPriority))
			fmt.Fprintln(out, renderCounts("review", st.ByReviewStatus))
			return nil
		},
	}
}

// --- triage ---

func triageCmd() *cobra.Command {
	var sourceType string
	cmd := &cobra.Command{
		Use:   "triage <id> <text...>",
		Short: "Triage a single feedback item on the daemon",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiDo("POST", "/api/feedback", map[string]string{
				"id":          args[0],
				"source_type": sourceType,
				"text":        strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceType, "source", string(protocol.SourceReview), "Source type: Review or Email")
	return cmd
}

// --- tickets ---

func ticketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List, show and review generated tickets",
	}
	cmd.AddCommand(ticketsListCmd(), ticketsShowCmd(), ticketsReviewCmd())
	return cmd
}

func ticketsListCmd() *cobra.Command {
	var (
		category, priority, source, review, query, runID string
		limit                                            int
		asJSON                                           bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			for k, v := range map[string]string{
				"category":      category,
				"priority":      priority,
				"source_type":   source,
				"review_status": review,
				"q":             query,
				"run_id":        runID,
			} {
				if v != "" {
					q.Set(k, v)
				}
			}

			body, err := apiGet("/api/tickets?" + q.Encode())
			if err != nil {
				return err
			}
			if asJSON {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
				return nil
			}
			var tickets []ticket.StoredTicket
			if err := json.Unmarshal(body, &tickets); err != nil {
				return fmt.Errorf("decode tickets: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTickets(tickets))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&category, "category", "", "Filter by category")
	f.StringVar(&priority, "priority", "", "Filter by priority")
	f.StringVar(&source, "source", "", "Filter by source type")
	f.StringVar(&review, "review", "", "Filter by review status (pending|approved|needs_correction)")
	f.StringVarP(&query, "query", "q", "", "Search title and details")
	f.StringVar(&runID, "run", "", "Filter by run ID")
	f.IntVar(&limit, "limit", 50, "Max results")
	f.BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func ticketsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show ticket details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGet("/api/tickets/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
}

func ticketsReviewCmd() *cobra.Command {
	var (
		status, title, category, priority, details string
		detailsFile                                string
	)
	cmd := &cobra.Command{
		Use:   "review <key|ticket-id>",
		Short: "Correct a ticket or set its review status",
		Example: `  triagectl tickets review TKT-R1 --status approved
  triagectl tickets review email:E7 --category Bug --priority High --status needs_correction`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := map[string]string{}
			flags := cmd.Flags()
			if flags.Changed("status") {
				o["review_status"] = status
			}
			if flags.Changed("title") {
				o["title"] = title
			}
			if flags.Changed("category") {
				o["category"] = category
			}
			if flags.Changed("priority") {
				o["priority"] = priority
			}
			if flags.Changed("details") {
				o["details"] = details
			}
			if detailsFile != "" {
				data, err := readInput(cmd.InOrStdin(), detailsFile)
				if err != nil {
					return err
				}
				o["details"] = strings.TrimSpace(string(data))
			}
			if len(o) == 0 {
				return fmt.Errorf("nothing to change: pass --status, --title, --category, --priority or --details")
			}

			body, err := apiDo("PATCH", "/api/tickets/"+url.PathEscape(args[0]), o)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "Review status (pending|approved|needs_correction)")
	f.StringVar(&title, "title", "", "New title")
	f.StringVar(&category, "category", "", "New category")
	f.StringVar(&priority, "priority", "", "New priority")
	f.StringVar(&details, "details", "", "New details as a JSON object")
	f.StringVar(&detailsFile, "details-file", "", "Read details JSON from a file (- for stdin)")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	})
	return cmd
}
