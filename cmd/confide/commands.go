package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arnberg/confide/internal/config"
	"github.com/arnberg/confide/internal/corpus"
	"github.com/arnberg/confide/internal/model"
	"github.com/arnberg/confide/internal/pipeline"
	"github.com/arnberg/confide/internal/storage"
)

// loadPipeline loads the saved artifact and wraps it for inference.
func loadPipeline(cfg config.Config) (*pipeline.Pipeline, error) {
	art, err := model.Load(cfg.ModelPath())
	if err != nil {
		return nil, fmt.Errorf("loading model from %s (run `confide train` first): %w", cfg.ModelPath(), err)
	}
	return pipeline.New(art)
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model from the corpus and save the artifact",
	Long: `Train a model from the corpus and save the artifact.

Examples:
  confide train
  confide train --corpus ./corpus.yml --output ./model.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		corpusPath, _ := cmd.Flags().GetString("corpus")
		if corpusPath == "" {
			corpusPath = cfg.CorpusPath()
		}
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = cfg.ModelPath()
		}

		printStep("Loading corpus from %s", corpusPath)
		c, err := corpus.LoadFile(corpusPath)
		if err != nil {
			return err
		}

		printStep("Training on %d examples across %d intents", len(c.Examples), len(c.Groups))
		art, err := pipeline.Train(cmd.Context(), c, cfg.Settings())
		if err != nil {
			return err
		}

		if err := model.Save(output, art); err != nil {
			return err
		}

		// Sanity check: the model should recognize its own training data.
		p, err := pipeline.New(art)
		if err != nil {
			return err
		}
		hits := 0
		for _, ex := range c.Examples {
			if res := p.Handle(ex.Text); res.Intent == ex.Intent {
				hits++
			}
		}

		printSuccess("Model %s saved to %s", art.Meta.ID, output)
		printStatus("Intents", "%d", art.Meta.Intents)
		printStatus("Variants", "%d", art.Meta.Variants)
		printStatus("Examples", "%d", art.Meta.Examples)
		printStatus("Features", "%d", art.Meta.FeatureDim)
		printStatus("Training recall", "%d/%d", hits, len(c.Examples))
		return nil
	},
}

func init() {
	trainCmd.Flags().String("corpus", "", "corpus file (default: from config)")
	trainCmd.Flags().String("output", "", "artifact output path (default: from config)")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Match a question against the saved model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		p, err := loadPipeline(cfg)
		if err != nil {
			return err
		}

		res := p.Handle(strings.Join(args, " "))

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		printResult(res)
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("json", false, "print the full result as JSON")
}

func printResult(res pipeline.Result) {
	fmt.Println(res.Response)
	meta := fmt.Sprintf("intent=%s (%.2f)  variant=%s (%.2f)  action=%s",
		res.Intent, res.IntentConfidence, res.VariantID, res.SelectionConfidence, res.Action)
	fmt.Println(colorize(colorCyan, meta))
	for _, e := range res.Entities {
		fmt.Println(colorize(colorCyan, fmt.Sprintf("entity %s=%q (canonical: %s)", e.Name, e.Value, e.Resolved)))
	}
}

// --- shell ---

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell against the saved model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		p, err := loadPipeline(cfg)
		if err != nil {
			return err
		}
		art := p.Artifact()

		fmt.Printf("confide shell (model %s, %d intents). /intents lists them, /quit exits.\n",
			shortID(art.Meta.ID), art.Meta.Intents)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/intents":
				printIntentTable(art)
				continue
			}
			printResult(p.Handle(line))
		}
	},
}

// --- intents ---

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "List the intents of the saved model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		p, err := loadPipeline(cfg)
		if err != nil {
			return err
		}

		printIntentTable(p.Artifact())
		return nil
	},
}

func printIntentTable(a *model.Artifact) {
	for i, g := range a.Groups {
		fmt.Printf("  %s  %d examples, %d variants\n",
			colorize(colorBold, g.Intent), a.Classifier.Counts[i], len(g.VariantIDs))
	}
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		interactions, err := store.GetRecentInteractions(limit)
		if err != nil {
			return err
		}
		if len(interactions) == 0 {
			fmt.Println("No interactions yet.")
			return nil
		}

		for _, ix := range interactions {
			query := ix.Query
			if len(query) > 60 {
				query = query[:60] + "..."
			}
			feedback := ""
			switch {
			case ix.FeedbackScore > 0:
				feedback = colorize(colorGreen, " +1")
			case ix.FeedbackScore < 0:
				feedback = colorize(colorRed, " -1")
			}
			fmt.Printf("%s  %s  %-18s %-8s %s%s\n",
				colorize(colorCyan, shortID(ix.ID)),
				ix.CreatedAt.Format("2006-01-02 15:04"),
				ix.Intent,
				ix.Action,
				query,
				feedback,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
}

// --- retrain ---

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Ask the running server to retrain from the corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/retrain", map[string]string{"reason": reason})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		jobID := result["id"]

		if !wait {
			printSuccess("Queued retrain job %s", jobID)
			return nil
		}
		printStep("Waiting for retrain job %s", shortID(jobID))
		return waitForJob(cmd.Context(), client, jobID)
	},
}

func init() {
	retrainCmd.Flags().String("reason", "", "note recorded with the retrain job")
	retrainCmd.Flags().Bool("wait", false, "block until the retrain finishes")
}

// waitForJob polls the job until it leaves the queue one way or the other.
func waitForJob(ctx context.Context, client *apiClient, jobID string) error {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		resp, err := client.get(ctx, "/api/jobs/"+jobID)
		if err != nil {
			return err
		}
		var job struct {
			Status    string
			LastError string
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		switch job.Status {
		case "completed":
			printSuccess("Retrain finished; the new model is live")
			return nil
		case "failed":
			return fmt.Errorf("retrain failed: %s", job.LastError)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for retrain job %s", jobID)
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <interaction-id>",
	Short: "Rate a served answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		up, _ := cmd.Flags().GetBool("up")
		down, _ := cmd.Flags().GetBool("down")
		notes, _ := cmd.Flags().GetString("notes")

		if up == down {
			return fmt.Errorf("exactly one of --up or --down is required")
		}
		score := 1
		if down {
			score = -1
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"interaction_id": args[0],
			"score":          score,
			"notes":          notes,
		}
		resp, err := client.post(cmd.Context(), "/api/feedback", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Feedback recorded for %s", args[0])
		return nil
	},
}

func init() {
	feedbackCmd.Flags().Bool("up", false, "the answer helped")
	feedbackCmd.Flags().Bool("down", false, "the answer missed")
	feedbackCmd.Flags().String("notes", "", "optional note")
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
		cfg, err := loadConfig()
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
	Long:  "Set a configuration value in the config file.\n\nSettable keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path := cfgPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.SetKey(path, key, value); err != nil {
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

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the confide version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("confide version %s\n", version)
	},
}
