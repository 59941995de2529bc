package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/X2k16/tracking-firmware/internal/simulator"
)

var simOpts = simulator.DefaultOptions()
var simCount int

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Write fake card reader output to stdout",
	Long: `Generates reader output (touches, debug records, firmware status and noise)
for bench testing without hardware:

  touchbridge simulate --interval 500ms | touchbridge run --port -`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return simulator.New(cmd.OutOrStdout(), simOpts).Run(ctx, simCount)
	},
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simCount, "count", 0, "number of lines to write (0: until interrupted)")
	f.DurationVar(&simOpts.Interval, "interval", simOpts.Interval, "pause between lines")
	f.Int64Var(&simOpts.Seed, "seed", simOpts.Seed, "random seed")
	f.IntVar(&simOpts.Readers, "readers", simOpts.Readers, "distinct reader ids")
	f.IntVar(&simOpts.Cards, "cards", simOpts.Cards, "distinct cards")
	f.Float64Var(&simOpts.Noise, "noise", simOpts.Noise, "share of non-touch lines (0-1)")
	rootCmd.AddCommand(simulateCmd)
}
