package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Rank the test split with a stored scorer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		s, err := newSession(ctx, cfg, "evaluate")
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := s.restore(ctx, sourceRun, false); err != nil {
			return err
		}
		rep, err := s.rank(ctx, 0)
		if err != nil {
			return err
		}
		banner("Link Prediction")
		fmt.Printf("Mean rank:        %.2f\n", rep.MeanRank)
		fmt.Printf("MRR:              %.4f\n", rep.MRR)
		fmt.Printf("Hits@10:          %.4f\n", rep.Hits10)
		fmt.Printf("Hits@5:           %.4f\n", rep.Hits5)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&sourceRun, "run", "", "train run to evaluate (default: latest)")
	rootCmd.AddCommand(evaluateCmd)
}
