package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the human review queue",
	Long:  "Commands for listing, approving, and rejecting proposed specialist data updates.",
}

// -- review list --

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending updates, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		specialist, _ := cmd.Flags().GetString("specialist")
		limit, _ := cmd.Flags().GetInt("limit")
		updates, err := env.Review.Pending(cmd.Context(), review.Filter{SpecialistID: specialist, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "review list")
		}
		if len(updates) == 0 {
			fmt.Fprintln(os.Stderr, "No pending updates.")
			return nil
		}
		formatUpdates(cmd.OutOrStdout(), updates)
		return nil
	},
}

// -- review approve --

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <update-id>",
	Short: "Approve an update and write it to the specialist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		reviewer, _ := cmd.Flags().GetString("reviewer")
		sp, err := env.Review.Approve(cmd.Context(), args[0], reviewer)
		if err != nil {
			return eris.Wrap(err, "review approve")
		}
		return printJSON(cmd.OutOrStdout(), sp)
	},
}

// -- review reject --

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <update-id>",
	Short: "Reject an update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		reviewer, _ := cmd.Flags().GetString("reviewer")
		reason, _ := cmd.Flags().GetString("reason")
		u, err := env.Review.Reject(cmd.Context(), args[0], reviewer, reason)
		if err != nil {
			return eris.Wrap(err, "review reject")
		}
		return printJSON(cmd.OutOrStdout(), u)
	},
}

func init() {
	reviewListCmd.Flags().String("specialist", "", "filter by specialist id")
	reviewListCmd.Flags().Int("limit", 50, "max number of updates to display")

	for _, c := range []*cobra.Command{reviewApproveCmd, reviewRejectCmd} {
		c.Flags().String("reviewer", "", "reviewer name recorded on the update (required)")
		_ = c.MarkFlagRequired("reviewer")
	}
	reviewRejectCmd.Flags().String("reason", "", "rejection reason")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}

// formatUpdates writes a tabular list of updates to out.
func formatUpdates(out io.Writer, updates []model.DataUpdate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSPECIALIST\tFIELD\tOLD\tNEW\tCONFIDENCE\tREVIEW\tCREATED")
	for _, u := range updates {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%t\t%s\n",
			u.ID, u.SpecialistID, u.FieldName, u.OldValue, u.NewValue,
			u.ConfidenceScore, u.RequiresReview, u.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
