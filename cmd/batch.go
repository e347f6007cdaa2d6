package main

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dasv/internal/model"
)

var (
	batchFile  string
	batchLimit int
)

var batchCmd = &cobra.Command{
	Use:   "batch [subject...]",
	Short: "Run the pipeline for many subjects concurrently",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		subjects := append([]string(nil), args...)
		if batchFile != "" {
			f, err := os.Open(batchFile)
			if err != nil {
				return eris.Wrap(err, "open subjects file")
			}
			fromFile, err := readSubjects(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			subjects = append(subjects, fromFile...)
		}
		subjects = dedupeSubjects(subjects)
		if batchLimit > 0 && len(subjects) > batchLimit {
			subjects = subjects[:batchLimit]
		}
		if len(subjects) == 0 {
			return eris.New("batch: no subjects given")
		}

		env, err := initPipeline(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		params, err := runParams()
		if err != nil {
			return err
		}

		results := env.Pipeline.RunBatch(ctx, subjects, params, cfg.Batch.MaxConcurrentSubjects)
		if err := writeOutcome(os.Stdout, results); err != nil {
			return err
		}

		var failed int
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		zap.L().Info("batch finished", zap.Int("subjects", len(results)), zap.Int("failed", failed))
		if failed == len(results) {
			return eris.Errorf("batch: all %d subjects failed", failed)
		}
		return nil
	},
}

func init() {
	addParamFlags(batchCmd)
	batchCmd.Flags().StringVar(&batchFile, "file", "", "file with one subject per line (# starts a comment)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of subjects to process")
	rootCmd.AddCommand(batchCmd)
}

// readSubjects reads one subject per line, skipping blanks and comments.
// Only the first comma-separated column is used.
func readSubjects(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, ','); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read subjects")
	}
	return out, nil
}

func dedupeSubjects(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := model.NormalizeSubject(s)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
