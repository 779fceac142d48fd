package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nrgchamp/zonetune/internal/config"
	"nrgchamp/zonetune/internal/logging"
	"nrgchamp/zonetune/internal/store"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <zone>",
		Short: "Print the persisted gain-change history for a zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			lg, closer := logging.Init(cfg.LogDir)
			defer closer.Close()

			db, err := store.Open(cfg.StorePath, lg)
			if err != nil {
				return err
			}
			defer db.Close()

			zoneID := args[0]
			snap, found, err := db.Load(zoneID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no persisted state for zone %q", zoneID)
			}

			fmt.Printf("zone %s  saved %s  confidence %.1f  cycles %d\n",
				snap.ZoneID, snap.SavedAt.Format("2006-01-02 15:04:05"),
				snap.Confidence, snap.ConfidenceCycles)
			fmt.Printf("current  kp=%.4f ki=%.6f kd=%.4f ke=%.4f\n",
				snap.Gains.Kp, snap.Gains.Ki, snap.Gains.Kd, snap.Gains.Ke)
			fmt.Printf("baseline kp=%.4f ki=%.6f kd=%.4f ke=%.4f\n\n",
				snap.Baseline.Kp, snap.Baseline.Ki, snap.Baseline.Kd, snap.Baseline.Ke)

			for _, rec := range snap.History {
				fmt.Printf("%s  %-22s %-8s kp=%.4f ki=%.6f kd=%.4f ke=%.4f\n",
					rec.Timestamp.Format("2006-01-02 15:04:05"),
					rec.Reason, rec.Actor,
					rec.Gains.Kp, rec.Gains.Ki, rec.Gains.Kd, rec.Gains.Ke)
			}
			return nil
		},
	}
}

func newZonesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "zones",
		Short: "List zones with persisted state",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			lg, closer := logging.Init(cfg.LogDir)
			defer closer.Close()

			db, err := store.Open(cfg.StorePath, lg)
			if err != nil {
				return err
			}
			defer db.Close()

			ids, err := db.Zones()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}
