package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"metrofleet/internal/app"
	"metrofleet/internal/config"
	"metrofleet/internal/exporter"
	"metrofleet/internal/infrastructure"
	"metrofleet/internal/operations"
	"metrofleet/pkg/contracts"
)

const usage = `Usage: metrofleet <command> [flags]

Commands:
  serve         run the HTTP API, websocket stream and cron schedules
  materialize   materialize one asset partition and wait for it
  backfill      materialize a range of partitions and wait for them
  graph         print the assets in topological order
  export        write a warehouse table to csv or xlsx
  version       print version information
`

// errUsage is returned for a bad command line; main exits 2
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, config.Load); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		slog.Error("metrofleet failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run dispatches one subcommand. loadConfig is config.Load outside tests.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, loadConfig func() (*config.Config, error)) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, contracts.GetFullVersionString())
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	case "serve", "materialize", "backfill", "graph", "export":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return errUsage
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	asset := fs.String("asset", "", "asset name")
	partitionKey := fs.String("partition", "", "partition key, YYYY-MM; empty for unpartitioned assets")
	from := fs.String("from", "", "first partition of the backfill")
	to := fs.String("to", "", "last partition of the backfill")
	table := fs.String("table", "", "warehouse table to export")
	format := fs.String("format", "", "export format: csv or xlsx; inferred from -out when empty")
	out := fs.String("out", "", "export file; relative paths land in the exports directory")
	timeout := fs.Duration("timeout", 6*time.Hour, "how long to wait for materializations")
	if err := fs.Parse(rest); err != nil {
		return errUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	var opts []app.Option
	if cmd != "serve" {
		// one-shot commands keep stdout for their own output
		cfg.Scheduler.Cron = false
		opts = append(opts, app.WithLogger(slog.New(infrastructure.NewTraceHandler(
			slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))))
	}

	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	switch cmd {
	case "serve":
		return a.Run(ctx)
	case "graph":
		defer a.Stop(context.Background())
		return printGraph(stdout, a.Graph)
	case "export":
		defer a.Stop(context.Background())
		if *table == "" {
			fmt.Fprintln(stderr, "export requires -table")
			return errUsage
		}
		f, err := exporter.ParseFormat(*format, *out)
		if err != nil {
			return err
		}
		res, err := a.Exporter.Export(ctx, *table, f, *out)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "exported %d rows of %s to %s\n", res.Rows, res.Table, res.Path)
		return nil
	}

	if *asset == "" {
		a.Stop(context.Background())
		fmt.Fprintf(stderr, "%s requires -asset\n", cmd)
		return errUsage
	}
	if err := a.Start(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}
	defer a.Stop(context.Background())

	switch cmd {
	case "materialize":
		rec, err := a.Scheduler.Trigger(ctx, *asset, *partitionKey)
		if rec != nil {
			if perr := printJSON(stdout, rec); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
	case "backfill":
		if *from == "" || *to == "" {
			fmt.Fprintln(stderr, "backfill requires -from and -to")
			return errUsage
		}
		n, err := a.Scheduler.Backfill(*asset, *from, *to)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "queued %d partitions of %s\n", n, *asset)
	}

	// downstream assets run on dependency satisfaction; wait for them too
	if err := a.WaitIdle(ctx, *timeout); err != nil {
		return fmt.Errorf("waiting for materializations: %w", err)
	}
	return printSummary(stdout, a.Scheduler.Summary())
}

func printGraph(w io.Writer, g *operations.Graph) error {
	for i, name := range g.Order() {
		a, _ := g.Asset(name)
		kind := "whole"
		if a.Partitioned() {
			kind = "monthly"
		}
		line := fmt.Sprintf("%2d. %s (%s)", i+1, name, kind)
		if up := g.Upstream(name); len(up) > 0 {
			line += " <- " + strings.Join(up, ", ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(w io.Writer, summary []operations.AssetSummary) error {
	for _, s := range summary {
		if len(s.Counts) == 0 {
			continue
		}
		parts := make([]string, 0, len(s.Counts))
		for _, st := range []operations.State{operations.StateSuccess, operations.StateFailed, operations.StateRunning, operations.StateUnscheduled} {
			if n := s.Counts[st]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", st, n))
			}
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", s.Asset, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
