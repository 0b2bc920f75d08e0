package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/runeforge/internal/api"
	"github.com/kalambet/runeforge/internal/config"
	"github.com/kalambet/runeforge/internal/extract"
	"github.com/kalambet/runeforge/internal/learn"
	"github.com/kalambet/runeforge/internal/match"
	"github.com/kalambet/runeforge/internal/metrics"
	"github.com/kalambet/runeforge/internal/moderation"
	"github.com/kalambet/runeforge/internal/storage"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Submit and moderate knowledge submissions",
}

var queueSubmitCmd = &cobra.Command{
	Use:   "submit [text]",
	Short: "Submit raw knowledge for moderation",
	Long: `Submit raw knowledge for moderation.

Examples:
  runeforge queue submit "restart nginx with: sudo systemctl restart nginx"
  runeforge queue submit --file ./runbook.md --task-id deploy-42
  runeforge queue submit --file ./notes.pdf --source ocr`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		taskID, _ := cmd.Flags().GetString("task-id")
		source, _ := cmd.Flags().GetString("source")

		text := strings.Join(args, " ")
		if text == "" && file == "" {
			return fmt.Errorf("text argument or --file is required")
		}
		if file != "" {
			extracted, err := extract.File(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			if text != "" {
				text += "\n\n"
			}
			text += extracted
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue", api.SubmitRequest{TaskID: taskID, Text: text, Source: source})
		if err != nil {
			return err
		}
		var item storage.QueueItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		printSuccess("Queued %s (%s)", item.ID, item.Source)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/queue?"+q.Encode())
		if err != nil {
			return err
		}
		var items []storage.QueueItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		writeQueueItems(cmd.OutOrStdout(), items)
		return nil
	},
}

func writeQueueItems(w io.Writer, items []storage.QueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, it := range items {
		fmt.Fprintf(w, "%s  %-8s  %-7s  %s  %s\n",
			colorize(colorCyan, shortID(it.ID)),
			it.Status,
			it.Source,
			it.CreatedAt.Format("2006-01-02 15:04"),
			truncate(it.RawText, 60),
		)
	}
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var item storage.QueueItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "ID:"), item.ID)
		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Status:"), item.Status)
		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Source:"), item.Source)
		if item.TaskID != "" {
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Task:"), item.TaskID)
		}
		fmt.Fprintf(out, "%s %s\n\n", colorize(colorBold, "Updated:"), item.UpdatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintln(out, item.RawText)
		return nil
	},
}

func newQueueActionCmd(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/queue/"+url.PathEscape(args[0])+"/"+action, nil)
			if err != nil {
				return err
			}
			var item storage.QueueItem
			if err := decodeJSON(resp, &item); err != nil {
				return err
			}
			if item.Status == storage.StatusError {
				printWarning("Item %s is in error; inspect with: runeforge queue show %s", shortID(item.ID), item.ID)
				return nil
			}
			printSuccess("Item %s is %s", shortID(item.ID), item.Status)
			return nil
		},
	}
}

var queueTrainCmd = newQueueActionCmd("train", "Classify and synthesize a pending item", "train")

var queueRetrainCmd = newQueueActionCmd("retrain", "Retry training an item in error", "retrain")

var queueApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a trained item into a production rune",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := contentFlag(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/"+url.PathEscape(args[0])+"/approve", api.ApproveRequest{Content: content})
		if err != nil {
			return err
		}
		var result api.ApproveResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Approved %s as rune %s", shortID(result.Item.ID), result.Rune.ID)
		return nil
	},
}

var queueRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a trained item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/"+url.PathEscape(args[0])+"/reject", api.RejectRequest{Reason: reason})
		if err != nil {
			return err
		}
		var item storage.QueueItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		printSuccess("Rejected %s", shortID(item.ID))
		return nil
	},
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Train every pending item now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/sweep", nil)
		if err != nil {
			return err
		}
		var report moderation.SweepReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printSuccess("Swept queue: %d trained, %d failed, %d skipped", report.Trained, report.Failed, report.Skipped)
		return nil
	},
}

var queueHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the audit trail of a queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue/"+url.PathEscape(args[0])+"/history")
		if err != nil {
			return err
		}
		var events []storage.AuditEvent
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}
		writeHistory(cmd.OutOrStdout(), events)
		return nil
	},
}

func writeHistory(w io.Writer, events []storage.AuditEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}
	for _, e := range events {
		from := e.OldStatus
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("%s  %-10s  %s -> %s  by %s",
			e.At.Format("2006-01-02 15:04:05"), e.Kind, from, e.NewStatus, e.Actor)
		if e.RuneID != "" {
			line += "  rune " + shortID(e.RuneID)
		}
		if e.Detail != "" {
			line += "  (" + truncate(e.Detail, 60) + ")"
		}
		fmt.Fprintln(w, line)
	}
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently deletes the item. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/queue/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func contentFlag(cmd *cobra.Command) (string, error) {
	content, _ := cmd.Flags().GetString("content")
	contentFile, _ := cmd.Flags().GetString("content-file")
	if content != "" && contentFile != "" {
		return "", fmt.Errorf("use either --content or --content-file, not both")
	}
	if contentFile != "" {
		data, err := os.ReadFile(contentFile)
		if err != nil {
			return "", fmt.Errorf("reading content file: %w", err)
		}
		return string(data), nil
	}
	return content, nil
}

func init() {
	queueSubmitCmd.Flags().String("file", "", "read the submission from a file (.pdf, .html or text)")
	queueSubmitCmd.Flags().String("task-id", "", "task the submission belongs to")
	queueSubmitCmd.Flags().String("source", "cli", "submission source")
	queueListCmd.Flags().String("status", "", "only items with this status")
	queueListCmd.Flags().Int("limit", 50, "maximum number of items to list")
	queueApproveCmd.Flags().String("content", "", "replace the trained content before approval")
	queueApproveCmd.Flags().String("content-file", "", "read replacement content from a file")
	queueRejectCmd.Flags().String("reason", "", "reason recorded with the rejection")
	queueDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")

	queueCmd.AddCommand(queueSubmitCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueTrainCmd)
	queueCmd.AddCommand(queueRetrainCmd)
	queueCmd.AddCommand(queueApproveCmd)
	queueCmd.AddCommand(queueRejectCmd)
	queueCmd.AddCommand(queueSweepCmd)
	queueCmd.AddCommand(queueHistoryCmd)
	queueCmd.AddCommand(queueDeleteCmd)
}

// --- match ---

var matchCmd = &cobra.Command{
	Use:   "match <task>",
	Short: "Find the best stored rune for a task",
	Long: `Find the best stored rune for a task, synthesizing a draft when nothing scores
above the threshold.

Examples:
  runeforge match "restart the nginx service after a config change"
  runeforge match "retrain the model" --context env=staging --context team=ml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hints, _ := cmd.Flags().GetStringToString("context")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/match", api.MatchRequest{Task: strings.Join(args, " "), Context: hints})
		if err != nil {
			return err
		}
		var res match.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		writeMatch(cmd.OutOrStdout(), res)
		return nil
	},
}

func writeMatch(w io.Writer, res match.Result) {
	header := fmt.Sprintf("%s [%s, score %.3f]", res.Source, res.Domain, res.Score)
	switch res.Source {
	case match.SourceRune:
		header = colorize(colorGreen, header)
	case match.SourceSynthesized:
		header = colorize(colorYellow, header)
	default:
		header = colorize(colorRed, header)
	}
	fmt.Fprintln(w, header)
	if res.Rune != nil {
		fmt.Fprintf(w, "  rune %s (feedback %.2f, used %d)\n", res.Rune.ID, res.Rune.FeedbackScore, res.Rune.UsageCount)
	}
	if res.DraftID != "" {
		fmt.Fprintf(w, "  draft %s saved for review\n", res.DraftID)
	}
	fmt.Fprintf(w, "\n%s\n", res.Content)
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <rune-id> <score>",
	Short: "Rate a rune between -1 and 1",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("score must be a number: %w", err)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runes/"+url.PathEscape(args[0])+"/feedback", api.FeedbackRequest{Score: &score})
		if err != nil {
			return err
		}
		var rn storage.Rune
		if err := decodeJSON(resp, &rn); err != nil {
			return err
		}
		if rn.Flagged {
			printWarning("Rune %s feedback %.2f, flagged for review", shortID(rn.ID), rn.FeedbackScore)
			return nil
		}
		printSuccess("Rune %s feedback %.2f", shortID(rn.ID), rn.FeedbackScore)
		return nil
	},
}

func init() {
	matchCmd.Flags().StringToString("context", nil, "context hint as key=value (repeatable)")
	matchCmd.Flags().Bool("json", false, "print the full match result as JSON")
}

// --- runes ---

var runesCmd = &cobra.Command{
	Use:   "runes",
	Short: "Browse, promote, export and import runes",
}

var runesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runes",
	RunE: func(cmd *cobra.Command, args []string) error {
		orb, _ := cmd.Flags().GetString("orb")
		drafts, _ := cmd.Flags().GetBool("drafts")
		flagged, _ := cmd.Flags().GetBool("flagged")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if orb != "" {
			q.Set("orb", orb)
		}
		if drafts {
			q.Set("version", strconv.Itoa(storage.VersionDraft))
		}
		if flagged {
			q.Set("flagged", "true")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runes?"+q.Encode())
		if err != nil {
			return err
		}
		var runes []storage.Rune
		if err := decodeJSON(resp, &runes); err != nil {
			return err
		}
		writeRunes(cmd.OutOrStdout(), runes)
		return nil
	},
}

func writeRunes(w io.Writer, runes []storage.Rune) {
	if len(runes) == 0 {
		fmt.Fprintln(w, "No runes found.")
		return
	}
	for _, r := range runes {
		state := "prod"
		if r.Version == storage.VersionDraft {
			state = "draft"
		}
		if r.Flagged {
			state += "!"
		}
		fmt.Fprintf(w, "%s  %-6s  %.2f  %4d  %s\n",
			colorize(colorCyan, shortID(r.ID)),
			state,
			r.FeedbackScore,
			r.UsageCount,
			truncate(r.Pattern, 60),
		)
	}
}

var runesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a rune as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rn storage.Rune
		if err := decodeJSON(resp, &rn); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rn)
	},
}

var runesPromoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Promote a draft rune to production",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := contentFlag(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runes/"+url.PathEscape(args[0])+"/promote", api.PromoteRequest{Content: content})
		if err != nil {
			return err
		}
		var rn storage.Rune
		if err := decodeJSON(resp, &rn); err != nil {
			return err
		}
		printSuccess("Promoted rune %s", rn.ID)
		return nil
	},
}

var runesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export runes as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		drafts, _ := cmd.Flags().GetBool("drafts")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runes/export?drafts="+strconv.FormatBool(drafts))
		if err != nil {
			return err
		}
		data, err := readBody(resp)
		if err != nil {
			return err
		}
		if output == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		printSuccess("Runes exported to %s", output)
		return nil
	},
}

var runesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import runes from a YAML export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading import file: %w", err)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runes/import", data)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Imported %d runes", result["imported"])
		return nil
	},
}

func init() {
	runesListCmd.Flags().String("orb", "", "only runes of this orb")
	runesListCmd.Flags().Bool("drafts", false, "only draft runes")
	runesListCmd.Flags().Bool("flagged", false, "only flagged runes")
	runesListCmd.Flags().Int("limit", 100, "maximum number of runes to list")
	runesPromoteCmd.Flags().String("content", "", "replace the draft content before promotion")
	runesPromoteCmd.Flags().String("content-file", "", "read replacement content from a file")
	runesExportCmd.Flags().Bool("drafts", false, "include draft runes")
	runesExportCmd.Flags().String("output", "", "output file path (default: stdout)")

	runesCmd.AddCommand(runesListCmd)
	runesCmd.AddCommand(runesShowCmd)
	runesCmd.AddCommand(runesPromoteCmd)
	runesCmd.AddCommand(runesExportCmd)
	runesCmd.AddCommand(runesImportCmd)
}

// --- orbs ---

var orbsCmd = &cobra.Command{
	Use:   "orbs",
	Short: "Manage domain orbs",
}

var orbsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orbs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/orbs")
		if err != nil {
			return err
		}
		var orbs []storage.Orb
		if err := decodeJSON(resp, &orbs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(orbs) == 0 {
			fmt.Fprintln(out, "No orbs.")
			return nil
		}
		for _, o := range orbs {
			fmt.Fprintf(out, "%s  %-20s  %.2f  %s\n",
				colorize(colorCyan, shortID(o.ID)), o.Name, o.Confidence, o.Description)
		}
		return nil
	},
}

var orbsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Create missing domain orbs and report orphans",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/orbs/reconcile", nil)
		if err != nil {
			return err
		}
		var report struct {
			Created  []string `json:"created"`
			Existing []string `json:"existing"`
			Orphans  []string `json:"orphans"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printSuccess("%d created, %d existing", len(report.Created), len(report.Existing))
		for _, name := range report.Orphans {
			printWarning("orphan orb %s", name)
		}
		return nil
	},
}

var orbsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an orb and its runes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the orb and every rune in it. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/orbs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted orb %s", args[0])
		return nil
	},
}

func init() {
	orbsDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	orbsCmd.AddCommand(orbsListCmd)
	orbsCmd.AddCommand(orbsReconcileCmd)
	orbsCmd.AddCommand(orbsDeleteCmd)
}

// --- learn ---

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Report task outcomes and test failures",
}

var learnOutcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Record the outcome of a completed task",
	Long: `Record the outcome of a completed task.

Examples:
  runeforge learn outcome --task "deploy api to kubernetes" \
    --path "kubectl apply -f deploy.yaml -> kubectl rollout status" --success`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req learn.Outcome
		req.TaskText, _ = cmd.Flags().GetString("task")
		req.SolutionPath, _ = cmd.Flags().GetString("path")
		req.Success, _ = cmd.Flags().GetBool("success")
		req.TaskID, _ = cmd.Flags().GetString("task-id")
		if req.TaskText == "" && req.SolutionPath == "" {
			return fmt.Errorf("--task or --path is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/learn/outcomes", req)
		if err != nil {
			return err
		}
		var report learn.OutcomeReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printSuccess("%d operations: %d runes nudged, %d drafts created",
			len(report.Operations), len(report.Nudged), len(report.Created))
		names := make([]string, 0, len(report.Orbs))
		for name := range report.Orbs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			printStatus(name, "confidence %.2f", report.Orbs[name])
		}
		return nil
	},
}

var learnTestFailureCmd = &cobra.Command{
	Use:   "test-failure",
	Short: "Record a failing test as a recovery draft",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req learn.TestFailure
		req.TestName, _ = cmd.Flags().GetString("test")
		req.Message, _ = cmd.Flags().GetString("message")
		req.Context, _ = cmd.Flags().GetString("context")
		req.TaskID, _ = cmd.Flags().GetString("task-id")
		if req.Message == "" {
			return fmt.Errorf("--message is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/learn/test-failures", req)
		if err != nil {
			return err
		}
		var rn storage.Rune
		if err := decodeJSON(resp, &rn); err != nil {
			return err
		}
		printSuccess("Recorded %s draft %s", rn.Pattern, rn.ID)
		return nil
	},
}

func init() {
	learnOutcomeCmd.Flags().String("task", "", "task description")
	learnOutcomeCmd.Flags().String("path", "", "solution path, operations separated by -> or ;")
	learnOutcomeCmd.Flags().Bool("success", false, "the task succeeded")
	learnOutcomeCmd.Flags().String("task-id", "", "task identifier")
	learnTestFailureCmd.Flags().String("test", "", "name of the failing test")
	learnTestFailureCmd.Flags().String("message", "", "failure message")
	learnTestFailureCmd.Flags().String("context", "", "surrounding output or code")
	learnTestFailureCmd.Flags().String("task-id", "", "task identifier")

	learnCmd.AddCommand(learnOutcomeCmd)
	learnCmd.AddCommand(learnTestFailureCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts and server metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var stats api.StatsResponse
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		writeStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

func writeStats(w io.Writer, stats api.StatsResponse) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Queue:"), queueSummary(stats.Queue))
	for _, name := range stats.Metrics.CounterNames() {
		fmt.Fprintf(w, "  %-20s %d\n", name, stats.Metrics.Counters[name])
	}
	for _, op := range []string{metrics.OpMatch, metrics.OpSynthesize, metrics.OpTrain} {
		t, ok := stats.Metrics.Operations[op]
		if !ok || t.Count == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-20s n=%d avg=%.1fms max=%dms\n", op, t.Count, t.AvgTimeMs, t.MaxTimeMs)
	}
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
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
		return nil
	},
}

var configSecretCmd = &cobra.Command{
	Use:   "set-secret <account> <value>",
	Short: "Store a secret such as the synthesizer API key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored secret %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSecretCmd)
}
