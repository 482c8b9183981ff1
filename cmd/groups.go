package main

import (
	"io"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/geoattend/internal/model"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage group memberships",
}

var groupsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Replace a tenant's group memberships",
	Long: `Replaces every membership of the file's tenant. The file maps group ids to subject ids:

  tenant_id: school-a
  groups:
    class-7a: [s1, s2]
    class-7b: [s3]`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open memberships file")
		}
		defer f.Close() //nolint:errcheck

		tenant, members, err := readMemberships(f)
		if err != nil {
			return err
		}

		st, err := openMigratedStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ReplaceGroupMemberships(cmd.Context(), tenant, members)
		if err != nil {
			return err
		}
		zap.L().Info("group memberships replaced", zap.String("tenant_id", tenant), zap.Int("memberships", n))
		return nil
	},
}

type membershipFile struct {
	TenantID string              `yaml:"tenant_id"`
	Groups   map[string][]string `yaml:"groups"`
}

// readMemberships flattens a membership file, sorted by group then subject.
func readMemberships(r io.Reader) (string, []model.GroupMembership, error) {
	var f membershipFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return "", nil, eris.Wrap(err, "decode memberships")
	}
	if f.TenantID == "" {
		return "", nil, eris.New("memberships file needs a tenant_id")
	}

	groups := make([]string, 0, len(f.Groups))
	for g := range f.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var members []model.GroupMembership
	for _, g := range groups {
		subjects := append([]string(nil), f.Groups[g]...)
		sort.Strings(subjects)
		for _, s := range subjects {
			if s == "" {
				return "", nil, eris.Errorf("group %s has an empty subject id", g)
			}
			members = append(members, model.GroupMembership{TenantID: f.TenantID, SubjectID: s, GroupID: g})
		}
	}
	return f.TenantID, members, nil
}

func init() {
	groupsCmd.AddCommand(groupsImportCmd)
	rootCmd.AddCommand(groupsCmd)
}
