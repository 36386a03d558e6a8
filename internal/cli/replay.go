package cli

import (
	"github.com/spf13/cobra"

	"oracle-integrity-watch/internal/app"
)

var (
	replayWindows   int
	replayDeviation float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "驱动一段合成观测数据穿过完整流水线",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			Windows:   replayWindows,
			Deviation: replayDeviation,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayWindows, "windows", 5, "合成窗口数量")
	replayCmd.Flags().Float64Var(&replayDeviation, "deviation", 60, "偏差源每个窗口的绝对偏移")
}
