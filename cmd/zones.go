package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/zoneimport"
)

var (
	zonesTenant      string
	zonesCategory    string
	zonesSkipInvalid bool
	zonesDryRun      bool
)

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Manage tenant zones",
}

var zonesImportCmd = &cobra.Command{
	Use:   "import <file.yaml|file.shp>",
	Short: "Validate and upsert zones from a YAML file or shapefile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		zones, err := loadZones(args[0])
		if err != nil {
			return err
		}

		st, err := openMigratedStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := zoneimport.Import(cmd.Context(), st, zones, zoneimport.Options{
			SkipInvalid: zonesSkipInvalid,
			DryRun:      zonesDryRun,
		})
		printProblems(cmd.OutOrStdout(), res.Problems)
		if err != nil {
			return err
		}

		zap.L().Info("zones imported",
			zap.String("path", args[0]),
			zap.Int("read", res.Read),
			zap.Int("upserted", res.Upserted),
			zap.Int("invalid", len(res.Problems)),
			zap.Bool("dry_run", zonesDryRun),
		)
		return nil
	},
}

var zonesValidateCmd = &cobra.Command{
	Use:   "validate <file.yaml|file.shp>",
	Short: "Check zones without writing them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		zones, err := loadZones(args[0])
		if err != nil {
			return err
		}
		problems := zoneimport.Validate(zones)
		printProblems(cmd.OutOrStdout(), problems)
		if len(problems) > 0 {
			return eris.Wrapf(zoneimport.ErrInvalidZones, "%d of %d", len(problems), len(zones))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d zones ok\n", len(zones))
		return nil
	},
}

func loadZones(path string) ([]model.Zone, error) {
	return zoneimport.Load(path, zoneimport.ShapefileOptions{
		TenantID:        zonesTenant,
		DefaultCategory: model.ZoneCategory(zonesCategory),
	}, time.Now().UTC())
}

func printProblems(w io.Writer, problems []zoneimport.Problem) {
	for _, p := range problems {
		fmt.Fprintf(w, "zone %d (%s): %v\n", p.Index, p.ZoneID, p.Err)
	}
}

func init() {
	for _, c := range []*cobra.Command{zonesImportCmd, zonesValidateCmd} {
		c.Flags().StringVar(&zonesTenant, "tenant", "", "tenant id for shapefile records")
		c.Flags().StringVar(&zonesCategory, "category", "", "category for shapefile records without one")
	}
	zonesImportCmd.Flags().BoolVar(&zonesSkipInvalid, "skip-invalid", false, "import valid zones even when some are invalid")
	zonesImportCmd.Flags().BoolVar(&zonesDryRun, "dry-run", false, "validate only")

	zonesCmd.AddCommand(zonesImportCmd, zonesValidateCmd)
	rootCmd.AddCommand(zonesCmd)
}
