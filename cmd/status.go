package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sidecar health",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := sidecarURL()
		if err != nil {
			return err
		}
		resp, err := httpClient.Get(base + "/health")
		if err != nil {
			return fmt.Errorf("sidecar unreachable: %w", err)
		}
		defer resp.Body.Close()

		var health struct {
			OK        bool   `json:"ok"`
			Version   string `json:"version"`
			PID       int    `json:"pid"`
			UptimeS   int    `json:"uptime_s"`
			Scheduler struct {
				Running  bool `json:"running"`
				JobCount int  `json:"jobCount"`
			} `json:"scheduler"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("decode health: %w", err)
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(health)
		}

		fmt.Printf("daymon %s (pid %d) up %ds\n", health.Version, health.PID, health.UptimeS)
		fmt.Printf("scheduler: running=%v jobs=%d\n", health.Scheduler.Running, health.Scheduler.JobCount)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "machine-readable output")
	rootCmd.AddCommand(statusCmd)
}
