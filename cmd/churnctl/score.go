package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/churnshield/internal/risk"
)

// addMetricsFlags registers one flag per metric plus --file for a JSON body.
func addMetricsFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("attempts-7d", 0, "Cancellation attempts in the last 7 days")
	f.Int("attempts-30d", 0, "Cancellation attempts in the last 30 days")
	f.Int("declined-30d", 0, "Retention offers declined in the last 30 days")
	f.Int("accepted-30d", 0, "Retention offers accepted in the last 30 days")
	f.Int("feedback-30d", 0, "Feedback submissions in the last 30 days")
	f.Bool("canceled", false, "Subscription is canceled")
	f.StringP("file", "f", "", "Read metrics JSON from a file (\"-\" for stdin)")
}

// metricsFromFlags builds Metrics from --file when given, otherwise from
// the individual flags.
func metricsFromFlags(cmd *cobra.Command) (risk.Metrics, error) {
	var m risk.Metrics
	f := cmd.Flags()

	if path, _ := f.GetString("file"); path != "" {
		var r io.Reader
		if path == "-" {
			r = cmd.InOrStdin()
		} else {
			file, err := os.Open(path)
			if err != nil {
				return m, err
			}
			defer func() { _ = file.Close() }()
			r = file
		}
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return m, fmt.Errorf("invalid metrics JSON: %w", err)
		}
		return m, m.Validate()
	}

	m.CancelAttempts7d, _ = f.GetInt("attempts-7d")
	m.CancelAttempts30d, _ = f.GetInt("attempts-30d")
	m.OffersDeclined30d, _ = f.GetInt("declined-30d")
	m.OffersAccepted30d, _ = f.GetInt("accepted-30d")
	m.FeedbackSubmitted30d, _ = f.GetInt("feedback-30d")
	m.SubscriptionCanceled, _ = f.GetBool("canceled")
	return m, m.Validate()
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a customer's metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := metricsFromFlags(cmd)
			if err != nil {
				return err
			}
			res := risk.Score(m)

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", res.Score, res.Bucket)
			return err
		},
	}
	addMetricsFlags(cmd)
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func explainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Show which rules fired for a customer's metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := metricsFromFlags(cmd)
			if err != nil {
				return err
			}
			res := risk.Score(m)
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Score:  %d\n", res.Score)
			fmt.Fprintf(out, "Bucket: %s\n", res.Bucket)
			if len(res.Factors) == 0 {
				fmt.Fprintln(out, "\nNo rules fired.")
				return nil
			}
			fmt.Fprintln(out, "\nFactors:")
			for _, f := range res.Factors {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			fmt.Fprintf(out, "\nThresholds: watch >= %d, at_risk >= %d\n", risk.WatchThreshold, risk.AtRiskThreshold)
			return nil
		},
	}
	addMetricsFlags(cmd)
	return cmd
}
