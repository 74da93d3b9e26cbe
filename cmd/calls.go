package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/telephony"
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect and steer verification calls",
}

// -- calls list --

var callsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List calls, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		specialist, _ := cmd.Flags().GetString("specialist")
		statusList, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")

		statuses, err := parseStatuses(statusList)
		if err != nil {
			return err
		}
		calls, err := env.Store.ListCalls(cmd.Context(), store.CallFilter{
			SpecialistID: specialist,
			Statuses:     statuses,
			Newest:       true,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "calls list")
		}
		if len(calls) == 0 {
			fmt.Fprintln(os.Stderr, "No calls found.")
			return nil
		}
		formatCalls(cmd.OutOrStdout(), calls)
		return nil
	},
}

// -- calls show --

var callsShowCmd = &cobra.Command{
	Use:   "show <call-id>",
	Short: "Show full details of a call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Store.GetCall(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "calls show")
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

// -- calls initiate --

var callsInitiateCmd = &cobra.Command{
	Use:   "initiate <specialist-id>",
	Short: "Queue a call now and dispatch it if a slot is free",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "dispatch")
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		c, err := env.Orchestrator.InitiateNow(cmd.Context(), args[0], actor)
		if err != nil {
			return eris.Wrap(err, "calls initiate")
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

// -- calls abort --

var callsAbortCmd = &cobra.Command{
	Use:   "abort <call-id>",
	Short: "Fail an in-flight call without scheduling a retry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		c, err := env.Machine.Abort(cmd.Context(), args[0], actor)
		if err != nil {
			return eris.Wrap(err, "calls abort")
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

// -- calls event --

var callsEventCmd = &cobra.Command{
	Use:   "event <call-id> <kind>",
	Short: "Apply a telephony lifecycle event by hand",
	Long:  "Applies ringing, connected, in_progress, completed, failed or voicemail to a call. Used with the simulated dialer.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		ev := telephony.Event{CallID: args[0], Kind: telephony.EventKind(args[1])}
		ev.Reason, _ = cmd.Flags().GetString("reason")
		ev.RecordingURL, _ = cmd.Flags().GetString("recording-url")
		ev.Transcript, _ = cmd.Flags().GetString("transcript")
		if path, _ := cmd.Flags().GetString("transcript-file"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrap(err, "read transcript file")
			}
			ev.Transcript = string(data)
		}

		c, err := env.Orchestrator.HandleEvent(cmd.Context(), ev)
		if err != nil {
			return eris.Wrap(err, "calls event")
		}
		return printJSON(cmd.OutOrStdout(), c)
	},
}

// -- calls stats --

var callsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show call queue statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Collector.Collect(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "calls stats")
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func init() {
	callsListCmd.Flags().String("specialist", "", "filter by specialist id")
	callsListCmd.Flags().StringSlice("status", nil, "filter by status (queued, dispatched, ringing, ...)")
	callsListCmd.Flags().Int("limit", 50, "max number of calls to display")

	callsInitiateCmd.Flags().String("actor", "cli", "actor recorded in the audit log")
	callsAbortCmd.Flags().String("actor", "cli", "actor recorded in the failure reason and audit log")

	callsEventCmd.Flags().String("reason", "", "failure reason for failed events")
	callsEventCmd.Flags().String("transcript", "", "transcript for completed events")
	callsEventCmd.Flags().String("transcript-file", "", "read the transcript from a file")
	callsEventCmd.Flags().String("recording-url", "", "recording URL for completed events")

	callsCmd.AddCommand(callsListCmd)
	callsCmd.AddCommand(callsShowCmd)
	callsCmd.AddCommand(callsInitiateCmd)
	callsCmd.AddCommand(callsAbortCmd)
	callsCmd.AddCommand(callsEventCmd)
	callsCmd.AddCommand(callsStatsCmd)
	rootCmd.AddCommand(callsCmd)
}

func parseStatuses(raw []string) ([]model.CallStatus, error) {
	var out []model.CallStatus
	for _, s := range raw {
		cs := model.CallStatus(strings.TrimSpace(s))
		if !cs.Valid() {
			return nil, eris.Wrapf(model.ErrValidation, "unknown call status %q", s)
		}
		out = append(out, cs)
	}
	return out, nil
}

// formatCalls writes a tabular list of calls to out.
func formatCalls(out io.Writer, calls []model.VerificationCall) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSPECIALIST\tSTATUS\tRETRY\tSCHEDULED\tREASON")
	for _, c := range calls {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.SpecialistID, c.Status, c.RetryCount,
			c.ScheduledFor.Format("2006-01-02 15:04"), c.FailureReason)
	}
	_ = w.Flush()
}
