package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/frontdesk/internal/config"
	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/storage"
)

// --- questions ---

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "Review and answer escalated questions",
}

var questionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List questions waiting for an answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listPending(cmd.Context(), client, os.Stdout)
	},
}

var questionsAnsweredCmd = &cobra.Command{
	Use:   "answered",
	Short: "List answered questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var delivered *bool
		if cmd.Flags().Changed("delivered") {
			v, _ := cmd.Flags().GetBool("delivered")
			delivered = &v
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listAnswered(cmd.Context(), client, os.Stdout, delivered)
	},
}

var questionsAnswerCmd = &cobra.Command{
	Use:   "answer <question> <answer>",
	Short: "Answer a pending question",
	Long: `Answer a pending question. If a caller is still on the line they hear
the answer at their next poll; otherwise it is sent to them by SMS.

Example:
  frontdesk questions answer "do you do eyebrow threading?" "Yes, $15, walk-ins welcome."`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := answerQuestion(cmd.Context(), client, args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Answered %q", args[0])
		return nil
	},
}

var questionsDeleteCmd = &cobra.Command{
	Use:   "delete <question>",
	Short: "Delete a question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := deleteQuestion(cmd.Context(), client, args[0]); err != nil {
			return err
		}
		printSuccess("Deleted %q", args[0])
		return nil
	},
}

var questionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show question counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := fetchStats(cmd.Context(), client)
		if err != nil {
			return err
		}
		printStatus("Total", "%d", st.Total)
		printStatus("Answered", "%d", st.Answered)
		printStatus("Pending", "%d", st.Unanswered)
		return nil
	},
}

var questionsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print new pending questions as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watchPending(ctx, client, os.Stdout, interval)
	},
}

func init() {
	questionsAnsweredCmd.Flags().Bool("delivered", false, "only show answers already delivered (or, with =false, not yet delivered)")
	questionsWatchCmd.Flags().Duration("interval", 2*time.Second, "polling interval")

	questionsCmd.AddCommand(questionsListCmd)
	questionsCmd.AddCommand(questionsAnsweredCmd)
	questionsCmd.AddCommand(questionsAnswerCmd)
	questionsCmd.AddCommand(questionsDeleteCmd)
	questionsCmd.AddCommand(questionsStatsCmd)
	questionsCmd.AddCommand(questionsWatchCmd)
}

func fetchPending(ctx context.Context, c *apiClient) ([]storage.QuestionRecord, error) {
	resp, err := c.get(ctx, "/api/unanswered")
	if err != nil {
		return nil, err
	}
	var recs []storage.QuestionRecord
	if err := decodeJSON(resp, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func listPending(ctx context.Context, c *apiClient, w io.Writer) error {
	recs, err := fetchPending(ctx, c)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No pending questions.")
		return nil
	}
	for _, r := range recs {
		printRecord(w, r)
	}
	return nil
}

func listAnswered(ctx context.Context, c *apiClient, w io.Writer, delivered *bool) error {
	path := "/api/answered"
	if delivered != nil {
		path += "?" + url.Values{"delivered": {fmt.Sprint(*delivered)}}.Encode()
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var recs []storage.QuestionRecord
	if err := decodeJSON(resp, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No answered questions.")
		return nil
	}
	for _, r := range recs {
		printRecord(w, r)
		fmt.Fprintf(w, "    %s %s\n", colorize(colorGreen, "A:"), r.Answer)
	}
	return nil
}

func printRecord(w io.Writer, r storage.QuestionRecord) {
	phone := r.CallerPhone
	if phone == "" {
		phone = "unknown"
	}
	mark := ""
	if r.Delivered {
		mark = " " + colorize(colorGreen, "delivered")
	}
	fmt.Fprintf(w, "%s  %s  %s%s\n",
		colorize(colorCyan, r.UpdatedAt.Local().Format("2006-01-02 15:04")),
		phone,
		r.Question,
		mark,
	)
}

func answerQuestion(ctx context.Context, c *apiClient, question, answer string) error {
	resp, err := c.post(ctx, "/api/answer", map[string]string{"question": question, "answer": answer})
	if err != nil {
		return err
	}
	var result map[string]bool
	return decodeJSON(resp, &result)
}

func deleteQuestion(ctx context.Context, c *apiClient, question string) error {
	resp, err := c.post(ctx, "/api/delete", map[string]string{"question": question})
	if err != nil {
		return err
	}
	var result map[string]bool
	return decodeJSON(resp, &result)
}

func fetchStats(ctx context.Context, c *apiClient) (storage.Stats, error) {
	var st storage.Stats
	resp, err := c.get(ctx, "/api/stats")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

// watchPending prints each pending question once, the first time it is
// seen. Transient errors are reported and polling continues.
func watchPending(ctx context.Context, c *apiClient, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	seen := make(map[string]bool)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		recs, err := fetchPending(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			printWarning("%v", err)
		}
		for _, r := range recs {
			key := storage.NormalizeQuestion(r.Question)
			if seen[key] {
				continue
			}
			seen[key] = true
			printRecord(w, r)
		}
		timer.Reset(interval)
	}
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Escalate a question and wait for the answer, as a call would",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("phone")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return askQuestion(ctx, client, os.Stdout, args[0], phone)
	},
}

func init() {
	askCmd.Flags().String("phone", "", "caller phone number for the SMS follow-up")
}

type escalationResult struct {
	State   string `json:"state"`
	Answer  string `json:"answer"`
	Message string `json:"message"`
}

func askQuestion(ctx context.Context, c *apiClient, w io.Writer, question, phone string) error {
	resp, err := c.post(ctx, "/api/escalations", map[string]string{
		"question":     question,
		"caller_phone": phone,
	})
	if err != nil {
		return err
	}
	var out escalationResult
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "["+out.State+"]"), out.Message)
	return nil
}

// --- notify ---

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Out-of-band answer delivery",
}

var notifyRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send SMS for answers no caller has received yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		sent, err := runNotifications(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSuccess("Sent %d notification(s)", sent)
		return nil
	},
}

func init() {
	notifyCmd.AddCommand(notifyRunCmd)
}

func runNotifications(ctx context.Context, c *apiClient) (int, error) {
	resp, err := c.post(ctx, "/api/notifications/run", nil)
	if err != nil {
		return 0, err
	}
	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result["sent"], nil
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage learned knowledge",
}

var knowledgeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List learned question/answer pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showKnowledge(cmd.Context(), client, os.Stdout)
	},
}

var knowledgeCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Archive answered questions into learned knowledge",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := compactKnowledge(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSuccess("Archived %d question(s)", n)
		return nil
	},
}

var knowledgeImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import question/answer pairs from a YAML file",
	Long: `Import question/answer pairs from a YAML file into learned knowledge.

The file is either a list or a map with a "faq" key:
  faq:
    - question: What are your hours?
      answer: 9am to 7pm, Tuesday through Sunday.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := knowledge.LoadSeed(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := importKnowledge(cmd.Context(), client, pairs)
		if err != nil {
			return err
		}
		printSuccess("Imported %d pair(s)", n)
		return nil
	},
}

var knowledgePromptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print the knowledge section of the agent's system prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/knowledge/prompt")
		if err != nil {
			return err
		}
		text, err := readText(resp)
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	},
}

func init() {
	knowledgeCmd.AddCommand(knowledgeShowCmd)
	knowledgeCmd.AddCommand(knowledgeCompactCmd)
	knowledgeCmd.AddCommand(knowledgeImportCmd)
	knowledgeCmd.AddCommand(knowledgePromptCmd)
}

func showKnowledge(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/api/knowledge")
	if err != nil {
		return err
	}
	var entries []storage.KnowledgeEntry
	if err := decodeJSON(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No learned knowledge yet.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s %s\n%s %s\n\n",
			colorize(colorCyan, "Q:"), e.Question,
			colorize(colorGreen, "A:"), e.Answer)
	}
	return nil
}

func compactKnowledge(ctx context.Context, c *apiClient) (int, error) {
	resp, err := c.post(ctx, "/api/knowledge/compact", nil)
	if err != nil {
		return 0, err
	}
	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result["archived"], nil
}

func importKnowledge(ctx context.Context, c *apiClient, pairs []knowledge.Pair) (int, error) {
	if len(pairs) == 0 {
		return 0, fmt.Errorf("nothing to import")
	}
	resp, err := c.post(ctx, "/api/knowledge", map[string]any{"entries": pairs})
	if err != nil {
		return 0, err
	}
	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result["imported"], nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		writeConfig(os.Stdout, config.ShowAll(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func writeConfig(w io.Writer, keys []config.KeyInfo) {
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
	}
}
