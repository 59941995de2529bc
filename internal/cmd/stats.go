package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/X2k16/tracking-firmware/internal/output"
	"github.com/X2k16/tracking-firmware/internal/readerstats"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats [mac...]",
	Short: "Show per-reader touch statistics from Redis",
	Long:  `Reads the statistics written by "touchbridge run" when redis.enabled is set. Without arguments every known reader is shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := readerstats.NewClient(cfg.Redis.URL, "touchbridge-cli")
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		stats, err := collectStats(ctx, client, args)
		if err != nil {
			return err
		}

		if statsJSON {
			return output.JSON(cmd.OutOrStdout(), stats)
		}
		if len(stats) == 0 {
			output.Info("No reader statistics recorded yet")
			return nil
		}

		table := output.NewTable([]string{"READER", "TOTAL", "HOUR", "24H", "CARDS TODAY", "LAST TOUCH", "LAST CARD"})
		for _, s := range stats {
			last := "-"
			if s.LastTouchAt != nil {
				last = s.LastTouchAt.Local().Format(time.DateTime)
			}
			table.AddRow(
				s.MAC,
				strconv.FormatInt(s.TotalTouches, 10),
				strconv.FormatInt(s.TouchesThisHour, 10),
				strconv.FormatInt(s.TouchesLast24h, 10),
				strconv.FormatInt(s.UniqueCardsToday, 10),
				last,
				s.LastIDm,
			)
		}
		table.Render(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON")
	rootCmd.AddCommand(statsCmd)
}

type statsReader interface {
	ListReaders(ctx context.Context) ([]string, error)
	GetStats(ctx context.Context, mac string) (*readerstats.Stats, error)
}

func collectStats(ctx context.Context, client statsReader, macs []string) ([]*readerstats.Stats, error) {
	if len(macs) == 0 {
		var err error
		if macs, err = client.ListReaders(ctx); err != nil {
			return nil, err
		}
		sort.Strings(macs)
	}

	stats := make([]*readerstats.Stats, 0, len(macs))
	for _, mac := range macs {
		s, err := client.GetStats(ctx, mac)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", mac, err)
		}
		stats = append(stats, s)
	}
	return stats, nil
}
