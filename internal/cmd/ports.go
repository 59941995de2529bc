package cmd

import (
	"github.com/spf13/cobra"

	"github.com/X2k16/tracking-firmware/internal/output"
	"github.com/X2k16/tracking-firmware/internal/serialport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and mark likely card readers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, readers, err := serialport.List()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			output.Warn("No serial ports found")
			return nil
		}

		isReader := make(map[string]bool, len(readers))
		for _, p := range readers {
			isReader[p] = true
		}

		table := output.NewTable([]string{"PORT", "READER"})
		for _, p := range all {
			mark := ""
			if isReader[p] {
				mark = output.Highlight("yes")
			}
			table.AddRow(p, mark)
		}
		table.Render(cmd.OutOrStdout())

		if len(readers) > 0 {
			output.Success("run will use %s when no port is configured", readers[0])
		} else {
			output.Warn("No port matches tty.usbserial* or ttyUSB*; pass --port to run")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
