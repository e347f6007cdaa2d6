package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/store"
)

var (
	recordsDate    string
	recordsHistory bool
	recordsPayload bool
	recordsBlocked bool
)

var recordsCmd = &cobra.Command{
	Use:   "records <subject> <phase>",
	Short: "Print the phase record for a subject and run date",
	Long:  "Prints the latest PhaseRecord, every revision with --history, or the last gate-blocked attempt with --blocked. Phases: discover, analyze, synthesize, validate.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		phase := model.Phase(args[1])
		if !phase.Valid() {
			return eris.Errorf("records: unknown phase %q", args[1])
		}
		date := recordsDate
		if date == "" {
			date = time.Now().UTC().Format(time.DateOnly)
		}

		fs := store.NewFileStore(cfg.Records.Dir)

		if recordsHistory {
			recs, err := fs.History(ctx, args[0], date, phase)
			if err != nil {
				return eris.Wrap(err, "records history")
			}
			if len(recs) == 0 {
				return eris.Wrapf(store.ErrNotFound, "records: %s %s %s", args[0], date, phase)
			}
			return writeOutcome(os.Stdout, recs)
		}

		latest := fs.Latest
		if recordsBlocked {
			latest = fs.Quarantined
		}
		rec, err := latest(ctx, args[0], date, phase)
		if err != nil {
			return eris.Wrap(err, "records latest")
		}
		if recordsPayload {
			return writeOutcome(os.Stdout, rec.Payload)
		}
		return writeOutcome(os.Stdout, rec)
	},
}

func init() {
	recordsCmd.Flags().StringVar(&recordsDate, "date", "", "run date YYYY-MM-DD (default today, UTC)")
	recordsCmd.Flags().BoolVar(&recordsHistory, "history", false, "print every archived revision")
	recordsCmd.Flags().BoolVar(&recordsPayload, "payload", false, "print only the record payload")
	recordsCmd.Flags().BoolVar(&recordsBlocked, "blocked", false, "print the last gate-blocked record")
	rootCmd.AddCommand(recordsCmd)
}
