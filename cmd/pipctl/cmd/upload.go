package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Store local files in a worker's content store",
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

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		started := time.Now()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.UploadConcurrency)
		for _, f := range files {
			f := f
			g.Go(func() error {
				return s.worker.StoreFile(gctx, f.Path, f.Info)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(files, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		var total int64
		for _, f := range files {
			fmt.Printf("%s  %s  %d bytes\n", f.Info.Hash.Short(), f.Path, f.Info.Length)
			total += f.Info.Length
		}
		fmt.Printf("uploaded %d files (%d bytes) to %s in %s\n", len(files), total, s.worker.Name(), time.Since(started).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
