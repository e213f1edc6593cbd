package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensandbox/pipagent/pkg/types"
)

var pinCmd = &cobra.Command{
	Use:   "pin <file>...",
	Short: "Ask a worker whether it holds the content of local files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect()
		if err != nil {
			return err
		}
		defer s.close()

		files, err := hashFiles(s, args)
		if err != nil {
			return err
		}
		hashes := make([]types.ContentHash, len(files))
		for i, f := range files {
			hashes[i] = f.Info.Hash
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		results, err := s.worker.Pin(ctx, hashes)
		if err != nil {
			return err
		}

		if jsonOutput {
			type row struct {
				Path   string `json:"path"`
				Hash   string `json:"hash"`
				Result string `json:"result"`
				Error  string `json:"error,omitempty"`
			}
			rows := make([]row, len(files))
			for i, f := range files {
				rows[i] = row{Path: f.Path, Hash: f.Info.Hash.String(), Result: results[i].Code.String(), Error: results[i].Message}
			}
			data, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tHASH\tRESULT")
		for i, f := range files {
			result := results[i].Code.String()
			if results[i].Message != "" {
				result += ": " + results[i].Message
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Path, f.Info.Hash.Short(), result)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(pinCmd)
}
