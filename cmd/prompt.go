package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/homework-grader/internal/prompt"
	"github.com/sells-group/homework-grader/internal/rubric"
)

var (
	previewCategory  string
	previewTargetMax float64
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Inspect and manage the grading rubric configuration",
}

var promptPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print the compiled system and user prompts for a category",
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, err := rubric.Load(cfg.Grading.PromptConfigPath)
		if err != nil {
			return err
		}
		sections, err := rubric.LoadMarkdownSections(cfg.Grading.PromptsMDPath)
		if err != nil {
			return err
		}
		target := previewTargetMax
		if target <= 0 {
			target = cfg.Grading.ScoreTargetMax
		}
		return previewPrompts(os.Stdout, prompt.NewCompiler(sections), rc, previewCategory, target)
	},
}

var promptValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a prompt configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Grading.PromptConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		rc, err := rubric.Load(path)
		if err != nil {
			return err
		}
		return describeRubric(os.Stdout, path, rc)
	},
}

var promptSaveCmd = &cobra.Command{
	Use:   "save <path>",
	Short: "Validate a JSON or YAML configuration and install it with a regenerated prompts.md",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "prompt save: read %s", args[0])
		}
		rc, err := rubric.Save(data, rubric.FormatFromPath(args[0]), cfg.Grading.PromptConfigPath, cfg.Grading.PromptsMDPath)
		if err != nil {
			return err
		}
		zap.L().Info("prompt configuration installed", zap.Int("categories", len(rc.Categories)))
		return describeRubric(os.Stdout, cfg.Grading.PromptConfigPath, rc)
	},
}

func init() {
	promptPreviewCmd.Flags().StringVar(&previewCategory, "category", "", "category key (required)")
	promptPreviewCmd.Flags().Float64Var(&previewTargetMax, "target-max", 0, "reported full score (default from config)")
	_ = promptPreviewCmd.MarkFlagRequired("category")

	promptCmd.AddCommand(promptPreviewCmd, promptValidateCmd, promptSaveCmd)
	rootCmd.AddCommand(promptCmd)
}

func previewPrompts(out io.Writer, c *prompt.Compiler, rc *rubric.Config, key string, target float64) error {
	cat, ok := rc.Category(key)
	if !ok {
		return eris.Errorf("prompt preview: unknown category %q", key)
	}
	user, expected, err := c.BuildUserPrompt(cat, target, key)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "=== system prompt ===\n%s\n\n=== user prompt (%s, %s points) ===\n%s\n",
		c.BuildSystemPrompt(rc.SystemPrompt), expected.CategoryName, rubric.FormatPoints(expected.RubricMax), user)
	return nil
}

func describeRubric(out io.Writer, path string, rc *rubric.Config) error {
	_, _ = fmt.Fprintf(out, "%s: ok, %d categories\n", path, len(rc.Categories))
	for _, key := range rc.Keys() {
		expected, err := rubric.BuildExpected(rc.Categories[key])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "  %s (%s): %d sections, %d items, %s points\n",
			key, expected.CategoryName, len(expected.Sections), expected.ItemCount(), rubric.FormatPoints(expected.RubricMax))
	}
	return nil
}
