package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/searchpulse/internal/aggregate"
	"github.com/kalambet/searchpulse/internal/config"
	"github.com/kalambet/searchpulse/internal/loader"
	"github.com/kalambet/searchpulse/internal/storage"
	"github.com/kalambet/searchpulse/internal/worker"
)

// Pipeline commands open the store directly and run one step in the
// foreground. Review commands (insights, actions, watermarks) go through
// the running server instead; see review.go.

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load search and behavior facts from the feed directory",
	Long: `Load search and behavior facts from the feed directory.

Without --start the run resumes from the day after the watermark; without
--end it stops at yesterday (UTC).

Examples:
  searchpulse ingest --property sc-domain:example.com
  searchpulse ingest --source gsc --start 2024-01-01 --end 2024-01-31`,
	RunE: func(cmd *cobra.Command, args []string) error {
		property, _ := cmd.Flags().GetString("property")
		source, _ := cmd.Flags().GetString("source")
		start, end, err := windowFlags(cmd)
		if err != nil {
			return err
		}
		switch source {
		case "all", loader.SourceSearch, loader.SourceBehavior:
		default:
			return fmt.Errorf("--source must be gsc, ga4 or all")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		props, err := a.properties(property)
		if err != nil {
			return err
		}

		var failed int
		for _, p := range props {
			req := loader.Request{Property: p, Start: start, End: end}
			if source == "all" || source == loader.SourceSearch {
				res, err := a.loader.LoadSearch(cmd.Context(), a.search, req)
				failed += reportLoad(p, loader.SourceSearch, res, err)
			}
			if source == "all" || source == loader.SourceBehavior {
				res, err := a.loader.LoadBehavior(cmd.Context(), a.behavior, req)
				failed += reportLoad(p, loader.SourceBehavior, res, err)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d load run(s) failed", failed)
		}
		return nil
	},
}

func reportLoad(property, source string, res loader.Result, err error) int {
	switch {
	case errors.Is(err, loader.ErrRunInProgress):
		printWarning("%s %s: another run holds the watermark", property, source)
		return 0
	case err != nil:
		printError("%s %s: %v", property, source, err)
		return 1
	case res.Skipped:
		printStep("%s %s: up to date", property, source)
	default:
		printSuccess("%s %s: %s..%s fetched %d, inserted %d, updated %d, rejected %d",
			property, source, storage.FormatDay(res.Start), storage.FormatDay(res.End),
			res.Fetched, res.Inserted, res.Updated, res.Rejected)
	}
	return 0
}

func init() {
	ingestCmd.Flags().String("property", "", "property to load (default: configured or discovered properties)")
	ingestCmd.Flags().String("source", "all", "gsc, ga4 or all")
	addWindowFlags(ingestCmd)
}

// --- aggregate ---

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Rebuild the unified daily metrics view",
	RunE: func(cmd *cobra.Command, args []string) error {
		property, _ := cmd.Flags().GetString("property")
		start, end, err := windowFlags(cmd)
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		props, err := a.properties(property)
		if err != nil {
			return err
		}
		for _, p := range props {
			res, err := a.aggregator.Run(cmd.Context(), aggregate.Request{Property: p, Start: start, End: end})
			if err != nil {
				return fmt.Errorf("aggregating %s: %w", p, err)
			}
			printSuccess("%s: %d rows through %s", p, res.Rows, storage.FormatDay(res.End))
		}
		return nil
	},
}

func init() {
	aggregateCmd.Flags().String("property", "", "property to aggregate")
	addWindowFlags(aggregateCmd)
}

// --- detect ---

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run the detectors over the latest aggregation",
	RunE: func(cmd *cobra.Command, args []string) error {
		property, _ := cmd.Flags().GetString("property")
		onlyStr, _ := cmd.Flags().GetString("only")
		only, err := parseCategories(onlyStr)
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		props, err := a.properties(property)
		if err != nil {
			return err
		}
		reports, err := a.engine.Run(cmd.Context(), props, only...)
		if err != nil {
			return err
		}
		for _, r := range reports {
			if r.Skipped != "" {
				printWarning("%s: skipped (%s)", r.Property, r.Skipped)
				continue
			}
			printSuccess("%s: %d pages, %d new, %d merged, %d promoted, %d failed",
				r.Property, r.Pages, r.Created, r.Merged, r.Promoted, r.Failed)
		}
		return nil
	},
}

func parseCategories(s string) ([]storage.Category, error) {
	if s == "" {
		return nil, nil
	}
	var out []storage.Category
	for _, part := range strings.Split(s, ",") {
		switch c := storage.Category(strings.TrimSpace(part)); c {
		case storage.CategoryAnomaly, storage.CategoryOpportunity, storage.CategoryDiagnosis:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("unknown category %q", part)
		}
	}
	return out, nil
}

func init() {
	detectCmd.Flags().String("property", "", "property to scan")
	detectCmd.Flags().String("only", "", "comma-separated categories: anomaly, opportunity, diagnosis")
}

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Enqueue today's daily pipeline runs",
	Long: `Enqueue today's daily pipeline runs: ingest gsc, ingest ga4, aggregate,
detect and generate actions, chained per property. Scheduling twice on the
same day is a no-op. With --run the queue is drained in the foreground.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		property, _ := cmd.Flags().GetString("property")
		run, _ := cmd.Flags().GetBool("run")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		props, err := a.properties(property)
		if err != nil {
			return err
		}
		n, err := worker.NewScheduler(a.store, nil).EnqueueDaily(cmd.Context(), props)
		if err != nil {
			return err
		}
		printSuccess("Scheduled %d of %d properties", n, len(props))

		if !run {
			return nil
		}
		processed, err := a.pool().Drain(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Processed %d jobs", processed)

		failed, err := a.store.ListJobs(cmd.Context(), storage.JobFailed, 20)
		if err != nil {
			return err
		}
		for _, j := range failed {
			printError("%s %s: %s", j.Type, j.ID, j.LastError)
		}
		return nil
	},
}

func init() {
	scheduleCmd.Flags().String("property", "", "schedule a single property")
	scheduleCmd.Flags().Bool("run", false, "process the queue until it is empty")
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- shared flags ---

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "first day, YYYY-MM-DD")
	cmd.Flags().String("end", "", "last day, YYYY-MM-DD")
}

func windowFlags(cmd *cobra.Command) (start, end time.Time, err error) {
	s, _ := cmd.Flags().GetString("start")
	e, _ := cmd.Flags().GetString("end")
	if start, err = storage.ParseDay(s); err != nil {
		return start, end, fmt.Errorf("--start must be YYYY-MM-DD")
	}
	if end, err = storage.ParseDay(e); err != nil {
		return start, end, fmt.Errorf("--end must be YYYY-MM-DD")
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("--end is before --start")
	}
	return start, end, nil
}
