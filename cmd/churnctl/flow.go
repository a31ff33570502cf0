package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/churnshield/internal/cancelflow"
)

func flowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Cancel-flow settings tools",
	}
	cmd.AddCommand(flowValidateCmd())
	return cmd
}

func flowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a flow settings file and print what the widget will show",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cancelflow.LoadSettings(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "%s: OK\n", args[0])
			fmt.Fprintln(out, "\nFeedback options:")
			for _, o := range s.Options() {
				fmt.Fprintf(out, "  %s. %s (%s)\n", o.Letter, o.Label, o.ID)
			}
			fmt.Fprintln(out, "\nPlans:")
			if len(s.Plans) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, p := range s.Plans {
				fmt.Fprintf(out, "  %-16s %8.2f -> %8.2f for %d months\n",
					p.ID, p.OriginalPrice, p.DiscountedPrice(), p.DiscountDurationMonths)
			}
			fmt.Fprintf(out, "\nOffer: %.0f%% off for %d months\n", s.Offer.DiscountPercent, s.Offer.DurationMonths)
			return nil
		},
	}
}
