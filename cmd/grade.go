package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/homework-grader/internal/grading"
	"github.com/sells-group/homework-grader/internal/model"
	"github.com/sells-group/homework-grader/internal/submission"
)

var (
	gradeTemplate        string
	gradeMock            bool
	gradeTargetMax       float64
	gradeSkipFormatCheck bool
	gradeJSON            bool
)

var gradeCmd = &cobra.Command{
	Use:   "grade <file|dir>...",
	Short: "Grade a batch of submissions",
	Long:  "Grades .docx, .md and .txt submissions. Directories are searched recursively. Results are written to <data_dir>/batches/<batch id>.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initGrader(cfg)
		if err != nil {
			return err
		}

		files, err := submission.Collect(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return eris.New("grade: no supported files found")
		}

		mock := gradeMock || cfg.Grading.Mock
		endpoints := grading.EndpointsFromConfig(cfg, mock)
		if len(endpoints) == 0 {
			return eris.New("grade: no model configured; set model.api_url or use --mock")
		}

		target := gradeTargetMax
		if target <= 0 {
			target = cfg.Grading.ScoreTargetMax
		}

		res, err := env.Coordinator.ProcessBatch(ctx, grading.BatchRequest{
			Files:           files,
			Template:        gradeTemplate,
			Mock:            mock,
			SkipFormatCheck: gradeSkipFormatCheck,
			ScoreTargetMax:  target,
			Models:          endpoints,
		})
		if err != nil {
			return eris.Wrap(err, "grade: process batch")
		}

		zap.L().Info("batch complete",
			zap.String("batch_id", res.Summary.BatchID),
			zap.String("results", res.ResultPath),
			zap.String("errors", res.ErrorPath),
		)

		if gradeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatBatch(os.Stdout, res)
		return nil
	},
}

func init() {
	gradeCmd.Flags().StringVar(&gradeTemplate, "template", submission.AutoTemplate, "category key or display name; auto detects it from each file name")
	gradeCmd.Flags().BoolVar(&gradeMock, "mock", false, "synthesize model replies locally")
	gradeCmd.Flags().Float64Var(&gradeTargetMax, "target-max", 0, "reported full score (default from config)")
	gradeCmd.Flags().BoolVar(&gradeSkipFormatCheck, "skip-format-check", false, "skip .docx font and spacing checks")
	gradeCmd.Flags().BoolVar(&gradeJSON, "json", false, "print the full batch result as JSON")
	rootCmd.AddCommand(gradeCmd)
}

func formatBatch(out io.Writer, res *model.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tSTUDENT\tCATEGORY\tSCORE\tSTATUS\tERROR")
	_, _ = fmt.Fprintln(w, "----\t-------\t--------\t-----\t------\t-----")
	for _, it := range res.Items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.FileName,
			it.StudentID,
			it.Category,
			formatScore(it.Score),
			it.Status,
			truncate(it.ErrorMessage, 60),
		)
	}
	_ = w.Flush()

	s := res.Summary
	_, _ = fmt.Fprintf(out, "\nbatch %s: %d files, %d succeeded, %d failed, average %s\n",
		s.BatchID, s.TotalFiles, s.SuccessCount, s.FailureCount, formatScore(s.AverageScore))
	_, _ = fmt.Fprintf(out, "results: %s\nerrors:  %s\n", res.ResultPath, res.ErrorPath)
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", model.Round2(*v))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}
