package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/confidence"
	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/pipeline"
)

var (
	runSubject  string
	runDate     string
	runCategory string
	runFacts    []string
	runDegraded bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for a single subject",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		params, err := runParams()
		if err != nil {
			return err
		}

		out, err := env.Pipeline.Run(ctx, runSubject, params)
		if out != nil {
			if encErr := writeOutcome(os.Stdout, out); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("run complete",
			zap.String("subject", out.SubjectID),
			zap.String("state", string(out.State)),
			zap.Float64("score", out.Score),
			zap.Float64("score_10", confidence.TenPoint(out.Score)),
			zap.String("grade", confidence.Grade(out.Score)),
			zap.Bool("passed", out.Passed),
		)
		return nil
	},
}

func init() {
	addParamFlags(runCmd)
	runCmd.Flags().StringVar(&runSubject, "subject", "", "subject identifier, e.g. a ticker (required)")
	_ = runCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(runCmd)
}

// addParamFlags registers the run parameters shared by run and batch.
func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runDate, "date", "", "run date YYYY-MM-DD (default today, UTC)")
	cmd.Flags().StringVar(&runCategory, "category", string(model.CategoryFundamental), "report category")
	cmd.Flags().StringSliceVar(&runFacts, "facts", nil, "fact keys to collect (default all configured facts)")
	cmd.Flags().BoolVar(&runDegraded, "degraded", false, "continue past quorum and gate failures, flagging records as degraded")
}

// runParams builds pipeline params from the shared flags. The run date
// defaults to today only here; the pipeline always receives it explicitly.
func runParams() (pipeline.Params, error) {
	date := runDate
	if date == "" {
		date = time.Now().UTC().Format(time.DateOnly)
	}
	category, err := model.ParseCategory(runCategory)
	if err != nil {
		return pipeline.Params{}, err
	}
	return pipeline.Params{
		RunDate:  date,
		Category: category,
		Facts:    runFacts,
		Degraded: runDegraded,
	}, nil
}

func writeOutcome(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
