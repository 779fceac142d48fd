package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zonetune",
		Short: "Self-tuning zone heating controller",
		Long: "zonetune drives per-zone heating duty from temperature samples,\n" +
			"detects heating cycles, and adapts the control gains from the\n" +
			"measured cycle quality.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "zonetune.yaml", "path to the configuration file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newZonesCmd())
	return root
}
