package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arnberg/confide/internal/corpus"
)

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Corpus tooling",
}

var dataConvertCmd = &cobra.Command{
	Use:   "convert <csv-file>",
	Short: "Convert a counselchat-style CSV export into a corpus file",
	Long: `Convert a counselchat-style CSV export into a corpus file.

Each distinct question becomes an intent: the question title and body become
training examples, and every distinct counselor answer becomes a response
variant, most-upvoted first. Required columns are questionID, questionTitle,
and answerText; questionText and upvotes are used when present.

Examples:
  confide data convert counselchat.csv
  confide data convert counselchat.csv --output ./corpus.yml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = cfg.CorpusPath()
		}

		printStep("Reading %s", args[0])
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening csv: %w", err)
		}
		defer f.Close()

		c, err := corpus.Convert(f)
		if err != nil {
			return err
		}

		if dir := filepath.Dir(output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}
		}
		if err := corpus.WriteFile(c, output); err != nil {
			return err
		}

		printSuccess("Wrote %s", output)
		printStatus("Intents", "%d", len(c.Groups))
		printStatus("Examples", "%d", len(c.Examples))
		printStatus("Answers", "%d", len(c.Variants))
		return nil
	},
}

func init() {
	dataConvertCmd.Flags().String("output", "", "corpus output path (default: from config)")
	dataCmd.AddCommand(dataConvertCmd)
}
