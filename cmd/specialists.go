package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

var specialistsCmd = &cobra.Command{
	Use:     "specialists",
	Aliases: []string{"sp"},
	Short:   "Manage directory specialists",
}

// -- specialists list --

var specialistsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List specialists",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		specialty, _ := cmd.Flags().GetString("specialty")
		verified, _ := cmd.Flags().GetBool("verified-only")
		limit, _ := cmd.Flags().GetInt("limit")
		list, err := env.Directory.List(cmd.Context(), store.SpecialistFilter{
			Specialty:    specialty,
			VerifiedOnly: verified,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "specialists list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No specialists found.")
			return nil
		}
		formatSpecialists(cmd.OutOrStdout(), list)
		return nil
	},
}

// -- specialists show --

var specialistsShowCmd = &cobra.Command{
	Use:   "show <specialist-id>",
	Short: "Show a specialist and their current data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		sp, err := env.Directory.Get(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "specialists show")
		}
		return printJSON(cmd.OutOrStdout(), sp)
	},
}

// -- specialists create --

var specialistsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Add a specialist to the directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		sp, err := specialistFromFlags(cmd)
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")
		created, err := env.Directory.Create(cmd.Context(), sp, actor)
		if err != nil {
			return eris.Wrap(err, "specialists create")
		}
		return printJSON(cmd.OutOrStdout(), created)
	},
}

// -- specialists delete --

var specialistsDeleteCmd = &cobra.Command{
	Use:   "delete <specialist-id>",
	Short: "Delete a specialist with its calls and updates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		if err := env.Directory.Delete(cmd.Context(), args[0], actor); err != nil {
			return eris.Wrap(err, "specialists delete")
		}
		fmt.Fprintf(os.Stderr, "Deleted %s.\n", args[0])
		return nil
	},
}

func init() {
	specialistsListCmd.Flags().String("specialty", "", "filter by specialty")
	specialistsListCmd.Flags().Bool("verified-only", false, "only verified specialists")
	specialistsListCmd.Flags().Int("limit", 50, "max number of specialists to display")

	f := specialistsCreateCmd.Flags()
	f.String("name", "", "specialist name (required)")
	f.String("specialty", "", "specialty (required)")
	f.String("clinic", "", "clinic name (required)")
	f.String("phone", "", "office phone number (required)")
	f.String("npi", "", "national provider identifier")
	f.String("address", "", "street address")
	f.String("city", "", "city")
	f.String("state", "", "state")
	f.String("zip", "", "zip code")
	f.String("data", "", `current data as a JSON object, e.g. '{"accepting_new_patients": true}'`)
	f.String("actor", "cli", "actor recorded in the audit log")
	specialistsDeleteCmd.Flags().String("actor", "cli", "actor recorded in the audit log")

	specialistsCmd.AddCommand(specialistsListCmd)
	specialistsCmd.AddCommand(specialistsShowCmd)
	specialistsCmd.AddCommand(specialistsCreateCmd)
	specialistsCmd.AddCommand(specialistsDeleteCmd)
	rootCmd.AddCommand(specialistsCmd)
}

func specialistFromFlags(cmd *cobra.Command) (*model.Specialist, error) {
	f := cmd.Flags()
	sp := &model.Specialist{}
	sp.Name, _ = f.GetString("name")
	sp.Specialty, _ = f.GetString("specialty")
	sp.ClinicName, _ = f.GetString("clinic")
	sp.Phone, _ = f.GetString("phone")
	sp.NPI, _ = f.GetString("npi")
	sp.Address, _ = f.GetString("address")
	sp.City, _ = f.GetString("city")
	sp.State, _ = f.GetString("state")
	sp.ZipCode, _ = f.GetString("zip")

	if raw, _ := f.GetString("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &sp.CurrentData); err != nil {
			return nil, eris.Wrap(model.ErrValidation, "--data must be a JSON object")
		}
	}
	return sp, nil
}

// formatSpecialists writes a tabular list of specialists to out.
func formatSpecialists(out io.Writer, list []model.Specialist) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSPECIALTY\tCLINIC\tVERIFIED\tNEXT_DUE")
	for _, s := range list {
		due := "-"
		if s.NextVerificationDueAt != nil {
			due = s.NextVerificationDueAt.Format("2006-01-02")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			s.ID, s.Name, s.Specialty, s.ClinicName, s.IsVerified, due)
	}
	_ = w.Flush()
}
