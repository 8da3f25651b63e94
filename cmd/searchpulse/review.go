package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/searchpulse/internal/storage"
)

// --- insights ---

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Review detected insights",
}

var insightsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List insights, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, f := range []string{"property", "page", "status", "category", "from", "to"} {
			if v, _ := cmd.Flags().GetString(f); v != "" {
				q.Set(f, v)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/insights?"+q.Encode())
		if err != nil {
			return err
		}
		var list []storage.Insight
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No insights found.")
			return nil
		}
		for _, in := range list {
			printInsight(in)
		}
		return nil
	},
}

func printInsight(in storage.Insight) {
	fmt.Printf("%s %s [%s/%s, confidence %.2f]\n",
		colorize(colorBold, in.ID), statusLabel(string(in.Status)), in.Category, in.Source, in.Confidence)
	fmt.Printf("  %s\n", in.Title)
	fmt.Printf("  %s %s\n", in.Property, in.Page)
}

var insightsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an insight with its evidence and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/insights/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var detail any
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}
		return printJSON(detail)
	},
}

var insightsTransitionCmd = &cobra.Command{
	Use:   "transition <id> <status>",
	Short: "Move an insight to DIAGNOSED, RESOLVED or DISMISSED",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/insights/"+url.PathEscape(args[0])+"/transition",
			map[string]string{"status": args[1], "reason": reason})
		if err != nil {
			return err
		}
		var tr storage.Transition
		if err := decodeJSON(resp, &tr); err != nil {
			return err
		}
		printSuccess("Insight %s: %s -> %s", args[0], tr.From, tr.To)
		return nil
	},
}

func init() {
	insightsListCmd.Flags().String("property", "", "filter by property")
	insightsListCmd.Flags().String("page", "", "filter by page")
	insightsListCmd.Flags().String("status", "", "NEW, DIAGNOSED, RESOLVED or DISMISSED")
	insightsListCmd.Flags().String("category", "", "anomaly, opportunity or diagnosis")
	insightsListCmd.Flags().String("from", "", "created on or after, YYYY-MM-DD")
	insightsListCmd.Flags().String("to", "", "created on or before, YYYY-MM-DD")
	insightsListCmd.Flags().Int("limit", 20, "maximum number of results")
	insightsListCmd.Flags().Bool("json", false, "print raw JSON")
	insightsTransitionCmd.Flags().String("reason", "", "note stored with the transition")

	insightsCmd.AddCommand(insightsListCmd)
	insightsCmd.AddCommand(insightsShowCmd)
	insightsCmd.AddCommand(insightsTransitionCmd)
}

// --- actions ---

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Review and track action items",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, f := range []string{"property", "status", "from", "to"} {
			if v, _ := cmd.Flags().GetString(f); v != "" {
				q.Set(f, v)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/actions?"+q.Encode())
		if err != nil {
			return err
		}
		var list []storage.Action
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No actions found.")
			return nil
		}
		for i, a := range list {
			printAction(i+1, a)
		}
		return nil
	},
}

func printAction(rank int, a storage.Action) {
	fmt.Printf("%d. %s %s [%s priority, %s effort, score %.1f]\n",
		rank, colorize(colorBold, a.Title), statusLabel(string(a.Status)), a.Priority, a.Effort, a.Score)
	fmt.Printf("   id %s, insight %s\n", a.ID, a.InsightID)
}

var actionsGenerateCmd = &cobra.Command{
	Use:   "generate [insight-id]",
	Short: "Generate the action for one insight, or for every open insight of a property",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		property, _ := cmd.Flags().GetString("property")
		if len(args) == 0 && property == "" {
			return fmt.Errorf("an insight id or --property is required")
		}

		if len(args) == 1 {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/actions", map[string]string{"insight_id": args[0]})
			if err != nil {
				return err
			}
			created := resp.StatusCode == 201
			var a storage.Action
			if err := decodeJSON(resp, &a); err != nil {
				return err
			}
			if created {
				printSuccess("Created action %s: %s", a.ID, a.Title)
			} else {
				printStep("Insight already has open action %s", a.ID)
			}
			return nil
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		sum, err := a.actions.GenerateForProperty(cmd.Context(), property)
		if err != nil {
			return err
		}
		printSuccess("%s: %d created, %d existing, %d failed", property, sum.Created, sum.Existing, sum.Failed)
		return nil
	},
}

func moveActionCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/actions/"+url.PathEscape(args[0])+"/"+verb, nil)
			if err != nil {
				return err
			}
			var a storage.Action
			if err := decodeJSON(resp, &a); err != nil {
				return err
			}
			printSuccess("Action %s is %s", a.ID, a.Status)
			return nil
		},
	}
}

var actionsCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Complete an action, recording its outcome",
	Long: `Complete an action, recording its outcome as a JSON object.

Example:
  searchpulse actions complete 0190... --outcome '{"clicks_recovered": true}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		if !json.Valid([]byte(outcome)) {
			return fmt.Errorf("--outcome must be a JSON object")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/actions/"+url.PathEscape(args[0])+"/complete",
			map[string]json.RawMessage{"outcome": json.RawMessage(outcome)})
		if err != nil {
			return err
		}
		var a storage.Action
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printSuccess("Action %s completed", a.ID)
		return nil
	},
}

func init() {
	actionsListCmd.Flags().String("property", "", "filter by property")
	actionsListCmd.Flags().String("status", "", "pending, in_progress, completed or cancelled")
	actionsListCmd.Flags().String("from", "", "created on or after, YYYY-MM-DD")
	actionsListCmd.Flags().String("to", "", "created on or before, YYYY-MM-DD")
	actionsListCmd.Flags().Int("limit", 20, "maximum number of results")
	actionsListCmd.Flags().Bool("json", false, "print raw JSON")
	actionsGenerateCmd.Flags().String("property", "", "generate for every open insight of this property")
	actionsCompleteCmd.Flags().String("outcome", "", "JSON object describing the result")

	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsGenerateCmd)
	actionsCmd.AddCommand(moveActionCmd("start", "Mark an action in progress"))
	actionsCmd.AddCommand(moveActionCmd("cancel", "Cancel an action"))
	actionsCmd.AddCommand(actionsCompleteCmd)
}

// --- watermarks ---

var watermarksCmd = &cobra.Command{
	Use:   "watermarks",
	Short: "Show ingestion progress per property and source",
	RunE: func(cmd *cobra.Command, args []string) error {
		property, _ := cmd.Flags().GetString("property")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/watermarks?property="+url.QueryEscape(property))
		if err != nil {
			return err
		}
		var list []storage.Watermark
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("Nothing ingested yet.")
			return nil
		}
		for _, w := range list {
			last := storage.FormatDay(w.LastDate)
			if last == "" {
				last = "-"
			}
			fmt.Printf("%s %s: %s through %s, %d rows\n", w.Property, w.Source, statusLabel(string(w.Status)), last, w.RowsLoaded)
			if w.ErrorMessage != "" {
				fmt.Printf("  last error: %s\n", w.ErrorMessage)
			}
		}
		return nil
	},
}

func init() {
	watermarksCmd.Flags().String("property", "", "filter by property")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
