package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

//go:embed seed_roster.yaml
var sampleRoster []byte

// rosterEntry is one specialist in a seed file.
type rosterEntry struct {
	NPI        string         `yaml:"npi"`
	Name       string         `yaml:"name"`
	Specialty  string         `yaml:"specialty"`
	ClinicName string         `yaml:"clinic_name"`
	Phone      string         `yaml:"phone"`
	Address    string         `yaml:"address"`
	City       string         `yaml:"city"`
	State      string         `yaml:"state"`
	ZipCode    string         `yaml:"zip_code"`
	Data       map[string]any `yaml:"data"`
}

type roster struct {
	Specialists []rosterEntry `yaml:"specialists"`
}

func parseRoster(data []byte) ([]*model.Specialist, error) {
	var r roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "seed: parse roster")
	}
	out := make([]*model.Specialist, 0, len(r.Specialists))
	for i, e := range r.Specialists {
		sp := &model.Specialist{
			NPI:         e.NPI,
			Name:        e.Name,
			Specialty:   e.Specialty,
			ClinicName:  e.ClinicName,
			Phone:       e.Phone,
			Address:     e.Address,
			City:        e.City,
			State:       e.State,
			ZipCode:     e.ZipCode,
			CurrentData: make(model.FieldMap, len(e.Data)),
		}
		for name, raw := range e.Data {
			v, err := model.NewValue(raw)
			if err != nil {
				return nil, eris.Wrapf(err, "seed: entry %d field %s", i, name)
			}
			sp.CurrentData[model.CanonicalFieldName(name)] = v
		}
		out = append(out, sp)
	}
	return out, nil
}

// seedRoster creates every roster specialist not already present, matched
// by NPI, or by name and phone when no NPI is given.
func seedRoster(ctx context.Context, st store.Reader, dir *directory.Service, list []*model.Specialist, actor string) (int, error) {
	existing, err := st.ListSpecialists(ctx, store.SpecialistFilter{Limit: 100000})
	if err != nil {
		return 0, eris.Wrap(err, "seed: list existing")
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[seedKey(&s)] = true
	}

	created := 0
	for _, sp := range list {
		key := seedKey(sp)
		if seen[key] {
			zap.L().Debug("seed: specialist exists, skipping", zap.String("name", sp.Name))
			continue
		}
		if _, err := dir.Create(ctx, sp, actor); err != nil {
			return created, eris.Wrapf(err, "seed: create %s", sp.Name)
		}
		seen[key] = true
		created++
	}
	return created, nil
}

func seedKey(sp *model.Specialist) string {
	if sp.NPI != "" {
		return "npi:" + sp.NPI
	}
	return "name:" + sp.Name + "|" + sp.Phone
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load specialists from a YAML roster (a sample roster by default)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		data := sampleRoster
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			if data, err = os.ReadFile(path); err != nil {
				return eris.Wrapf(err, "seed: read %s", path)
			}
		}
		list, err := parseRoster(data)
		if err != nil {
			return err
		}

		created, err := seedRoster(cmd.Context(), env.Store, env.Directory, list, "seed")
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Seeded %d of %d specialists.\n", created, len(list))
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "", "roster YAML file (default: built-in sample)")
	rootCmd.AddCommand(seedCmd)
}
