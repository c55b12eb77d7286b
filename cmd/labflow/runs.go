package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rendis/labflow/internal/expressions"
	"github.com/rendis/labflow/internal/store"
)

func runRuns(args []string) int {
	if len(args) > 0 && args[0] == "show" {
		return runRunsShow(args[1:])
	}

	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	workflowID := fs.String("workflow", "", "only runs of this workflow id")
	status := fs.String("status", "", "only runs with this status (running, completed, failed)")
	limit := fs.Int("limit", 20, "max runs to list")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	st, err := openStore(ctx, loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, store.RunFilter{WorkflowID: *workflowID, Status: *status, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *asJSON {
		if err := writeJSON(os.Stdout, runs); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.DurationMS != nil {
			duration = (time.Duration(*r.DurationMS) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.WorkflowID, r.Status, r.StartedAt.Local().Format(time.DateTime), duration)
	}
	tw.Flush()
	return 0
}

func runRunsShow(args []string) int {
	fs := flag.NewFlagSet("runs show", flag.ExitOnError)
	withEvents := fs.Bool("events", false, "include the recorded event trail")
	query := fs.String("query", "", "jq expression applied to the output")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: labflow runs show [--events] [--query JQ] <run-id>")
		return 2
	}

	ctx := context.Background()
	st, err := openStore(ctx, loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	run, err := st.GetRun(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	out := map[string]any{"run": run}
	if *withEvents {
		events, err := st.GetEvents(ctx, run.WorkflowID, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		out["events"] = events
	}

	var v any = out
	if *query != "" {
		v, err = expressions.NewGoJQEngine().Query(ctx, *query, out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := writeJSON(os.Stdout, v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("no db_path configured")
	}
	st, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
