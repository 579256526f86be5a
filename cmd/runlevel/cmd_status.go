package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kingrea/runlevel/internal/config"
	"github.com/kingrea/runlevel/internal/eventbridge"
	"github.com/kingrea/runlevel/internal/logbook"
	"github.com/kingrea/runlevel/internal/supervisor"
)

type statusOptions struct {
	*globalOptions
	addr    string
	journal int
	jsonOut bool
	timeout time.Duration
}

func newStatusCmd(global *globalOptions) *cobra.Command {
	opts := &statusOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker state from a running supervisor",
		Long: `Queries the event bridge of a running "runlevel start" for the state of
every worker. With --journal N the last N lines of the journal are printed
instead; that works without a running supervisor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.journal > 0 {
				return printJournal(cmd, opts)
			}
			return printWorkers(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "bridge address (default: from config)")
	cmd.Flags().IntVar(&opts.journal, "journal", 0, "print the last N journal lines")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printJournal(cmd *cobra.Command, opts *statusOptions) error {
	path, err := journalPath(opts.globalOptions)
	if err != nil {
		return err
	}
	lb, err := logbook.New(path)
	if err != nil {
		return err
	}
	lines, total := lb.Tail(opts.journal)
	out := cmd.OutOrStdout()
	if total == 0 {
		fmt.Fprintf(out, "journal %s is empty\n", path)
		return nil
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "(%d of %d line(s) from %s)\n", len(lines), total, path)
	return nil
}

// journalPath prefers the configured location and falls back to the
// default layout when the config cannot be loaded.
func journalPath(opts *globalOptions) (string, error) {
	if cfg, err := loadConfig(opts); err == nil {
		return cfg.JournalPath(), nil
	}
	dir, err := opts.project()
	if err != nil {
		return "", err
	}
	cfg := &config.Config{Dir: filepath.Join(dir, config.RunlevelDir)}
	return cfg.JournalPath(), nil
}

func printWorkers(cmd *cobra.Command, opts *statusOptions) error {
	addr := opts.addr
	if addr == "" {
		var cfg *config.Config
		if loaded, err := loadConfig(opts.globalOptions); err == nil {
			cfg = loaded
		}
		addr = eventbridge.SettingsFromConfig(cfg).URL()
	}
	client := eventbridge.NewClient(addr)
	client.HTTP.Timeout = opts.timeout
	workers, err := client.Workers(cmd.Context())
	if err != nil {
		return fmt.Errorf("is `runlevel start` running? %w", err)
	}
	out := cmd.OutOrStdout()
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(workers)
	}
	fmt.Fprintln(out, renderStatusTable(workers, time.Now()))
	return nil
}

func renderStatusTable(workers []supervisor.Status, now time.Time) string {
	rows := make([][]string, 0, len(workers))
	live := 0
	for _, w := range workers {
		if w.Live {
			live++
		}
		pid := "-"
		if w.PID > 0 {
			pid = strconv.Itoa(w.PID)
		}
		since := "-"
		if !w.Since.IsZero() {
			since = now.Sub(w.Since).Truncate(time.Second).String()
		}
		note := w.Detail
		if len(w.BlockedBy) > 0 {
			note = "waiting on " + strings.Join(w.BlockedBy, ", ")
		}
		rows = append(rows, []string{w.Name, string(w.State), pid, strconv.Itoa(w.Restarts), since, note})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("WORKER", "STATE", "PID", "RESTARTS", "SINCE", "NOTE").
		Rows(rows...)
	return fmt.Sprintf("%s\n%d/%d worker(s) live", t.String(), live, len(workers))
}
