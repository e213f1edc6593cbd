package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensandbox/pipagent/internal/discovery"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers advertised in Redis, or the configured endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		var workers []*discovery.Worker
		if cfg.RedisURL != "" && workerAddr == "" {
			reg, err := discovery.NewRedisRegistry(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("failed to list workers: %w", err)
			}
			reg.Start()
			workers = reg.Workers()
			reg.Stop()
		} else {
			workers = discovery.NewStatic(cfg.Endpoints, cfg.MaxCapacity).Workers()
		}

		if len(workers) == 0 {
			fmt.Println("No workers found")
			return nil
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(workers, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREGION\tADDRESS\tSLOTS\tCPU\tMEM\tSTATUS")
		for _, wk := range workers {
			status := "online"
			if wk.Draining {
				status = "draining"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%.1f%%\t%.1f%%\t%s\n",
				wk.ID, wk.Region, wk.GRPCAddr, wk.Current, wk.Capacity, wk.CPUPct, wk.MemPct, status)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
}
