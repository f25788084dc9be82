package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/earthscale/geoflow/internal/config"
	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/pkg/runledger"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded pipeline runs",
	Long: `Inspect the run ledger: every pipeline invocation records its input,
steps, submitted job IDs, and outcome under the state directory.

Examples:
  geoflow runs list
  geoflow runs show 2f2ae769-9f13-4a6e-8e1c-8e2f05c7f3aa`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func openLedger(cmd *cobra.Command) (*runledger.Store, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInvalidArgument, "load configuration", err)
	}
	return runledger.NewStore(cfg.StateDir), nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger(cmd)
	if err != nil {
		return err
	}
	runs, err := ledger.List()
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "list runs", err)
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tNAME\tSTATUS\tSTARTED\tSTEPS")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.RunID,
			r.Name,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			strings.Join(r.Steps, ","))
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger(cmd)
	if err != nil {
		return err
	}
	record, err := ledger.Get(args[0])
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, fmt.Sprintf("load run %s", args[0]), err)
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryRuntime, "encode run record", err)
	}
	fmt.Println(string(out))
	return nil
}
