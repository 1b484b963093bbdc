package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/loadblast/internal/model"
)

// roster is the carrier file format.
type roster struct {
	Carriers []model.Carrier `yaml:"carriers"`
}

// parseRoster decodes and checks a carrier roster. Missing status defaults
// to active and missing scope to regional.
func parseRoster(r io.Reader) ([]model.Carrier, error) {
	var ros roster
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ros); err != nil {
		return nil, eris.Wrap(err, "decode roster")
	}

	seen := make(map[string]bool, len(ros.Carriers))
	var problems []string
	for i := range ros.Carriers {
		c := &ros.Carriers[i]
		c.Email = strings.ToLower(strings.TrimSpace(c.Email))
		switch {
		case c.ID == "":
			problems = append(problems, fmt.Sprintf("carriers[%d]: id is required", i))
		case seen[c.ID]:
			problems = append(problems, fmt.Sprintf("carriers[%d]: duplicate id %s", i, c.ID))
		}
		seen[c.ID] = true
		if c.Email == "" {
			problems = append(problems, fmt.Sprintf("carriers[%d]: email is required", i))
		}
		if c.Status == "" {
			c.Status = model.CarrierActive
		}
		if c.Scope == "" {
			c.Scope = model.ScopeRegional
		}
	}
	if len(problems) > 0 {
		return nil, eris.New("invalid roster: " + strings.Join(problems, "; "))
	}
	return ros.Carriers, nil
}

var carriersCmd = &cobra.Command{
	Use:   "carriers",
	Short: "Manage the carrier roster",
}

var carriersImportFile string

var carriersImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Upsert carriers from a YAML roster file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		f, err := os.Open(carriersImportFile)
		if err != nil {
			return eris.Wrap(err, "open roster")
		}
		defer f.Close() //nolint:errcheck

		carriers, err := parseRoster(f)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertCarriers(ctx, carriers)
		if err != nil {
			return eris.Wrap(err, "upsert carriers")
		}
		zap.L().Info("carriers imported",
			zap.Int("in_file", len(carriers)),
			zap.Int64("upserted", n),
			zap.String("file", carriersImportFile),
		)
		return nil
	},
}

var carriersListAll bool

var carriersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List carriers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		carriers, err := st.ListCarriers(ctx, !carriersListAll)
		if err != nil {
			return err
		}
		return printCarriers(cmd.OutOrStdout(), carriers)
	},
}

func printCarriers(out io.Writer, carriers []model.Carrier) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEQUIPMENT\tREGIONS\tON-TIME\tSAFETY\tSTATUS")
	for _, c := range carriers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			c.ID, c.Name,
			strings.Join(c.EquipmentTypes, ","),
			strings.Join(c.CoverageRegions, ","),
			c.OnTimePct, c.SafetyRating, c.Status,
		)
	}
	return w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	carriersImportCmd.Flags().StringVar(&carriersImportFile, "file", "", "path to YAML roster (required)")
	_ = carriersImportCmd.MarkFlagRequired("file")
	carriersListCmd.Flags().BoolVar(&carriersListAll, "all", false, "include inactive carriers")
	carriersCmd.AddCommand(carriersImportCmd, carriersListCmd)
	rootCmd.AddCommand(carriersCmd)
}
