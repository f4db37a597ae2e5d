package main

import (
	"encoding/json"

	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/spf13/cobra"
)

var (
	statsStatus string
	statsPage   int
	statsSize   int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print instance and task counts, or list instances of one status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter storage.InstanceFilter
		if statsStatus != "" {
			status, err := types.ParseInstanceStatus(statsStatus)
			if err != nil {
				return err
			}
			filter.Status = status
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if filter.Status == "" {
			stats, err := a.engine.GetWorkflowStatistics(cmd.Context())
			if err != nil {
				return err
			}
			return enc.Encode(stats)
		}
		page, err := a.engine.ListInstances(cmd.Context(), filter, types.PageRequest{Page: statsPage, Size: statsSize})
		if err != nil {
			return err
		}
		return enc.Encode(page)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsStatus, "status", "", "list instances with this status (running, suspended, completed, terminated)")
	statsCmd.Flags().IntVar(&statsPage, "page", 1, "page to list")
	statsCmd.Flags().IntVar(&statsSize, "size", types.DefaultPageSize, "page size")
}
