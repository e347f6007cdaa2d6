package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/dasv/internal/model"
	"github.com/sells-group/dasv/internal/provider"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check every configured provider and print a health table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env := &pipelineEnv{}
		if err := initGateway(ctx, cfg, env); err != nil {
			return err
		}
		defer env.Close()

		health := env.Gateway.RefreshHealth(ctx)
		formatHealth(os.Stdout, env.Gateway.Registry(), health)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

// formatHealth writes one row per source to out.
func formatHealth(out io.Writer, reg *provider.Registry, health []model.ServiceHealth) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tTIER\tRELIABILITY\tREACHABLE\tCIRCUIT\tLATENCY\tERROR")
	_, _ = fmt.Fprintln(w, "------\t----\t-----------\t---------\t-------\t-------\t-----")
	for _, h := range health {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.2f\t%t\t%s\t%s\t%s\n",
			h.SourceID,
			reg.Tier(h.SourceID),
			reg.Reliability(h.SourceID),
			h.Reachable,
			h.Circuit,
			h.Latency,
			h.Error,
		)
	}
	_ = w.Flush()
}
