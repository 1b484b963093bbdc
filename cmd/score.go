package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/loadblast/internal/model"
)

var scoreJSON bool

var scoreCmd = &cobra.Command{
	Use:   "score <load-id>",
	Short: "Score the carrier roster against a qualified load",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		scores, err := env.Scorer.ScoreLoad(ctx, args[0])
		if err != nil {
			return err
		}
		if scoreJSON {
			return printJSON(cmd.OutOrStdout(), scores)
		}
		return printScores(cmd.OutOrStdout(), scores)
	},
}

func printScores(out io.Writer, scores []model.CarrierScore) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CARRIER\tNAME\tLANE\tEQUIP\tPERF\tPRICE\tAVAIL\tTOTAL")
	for _, s := range scores {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.CarrierID, s.CarrierName, s.Lane, s.Equipment, s.Performance, s.Price, s.Availability, s.Total)
	}
	return w.Flush()
}

func init() {
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "print scores as JSON")
	rootCmd.AddCommand(scoreCmd)
}
