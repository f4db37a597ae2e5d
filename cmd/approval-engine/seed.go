package main

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/manifest"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Create definitions and start instances from a YAML manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := m.Apply(cmd.Context(), a.engine)
		if res != nil {
			for _, def := range res.Definitions {
				fmt.Fprintf(cmd.OutOrStdout(), "definition %s v%d id=%d status=%s\n", def.Code, def.Version, def.ID, def.Status)
			}
			for _, inst := range res.Instances {
				fmt.Fprintf(cmd.OutOrStdout(), "instance id=%d business=%s/%d status=%s\n", inst.ID, inst.BusinessType, inst.BusinessID, inst.Status)
			}
		}
		return err
	},
}
