package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/pipagent/internal/auth"
	"github.com/opensandbox/pipagent/internal/config"
	"github.com/opensandbox/pipagent/internal/discovery"
	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/proxy"
	"github.com/opensandbox/pipagent/internal/rpc"
)

var (
	cfg         *config.Config
	workerAddr  string
	region      string
	coordinator string
	timeout     time.Duration
	jsonOutput  bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "pipctl",
	Short: "Drive pipagent workers from the command line",
	Long: `pipctl talks to pipagent workers the way a build coordinator does.

It can pin and upload content, run a single process remotely with declared
inputs and outputs, and list the workers advertised in Redis.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			log.SetOutput(io.Discard)
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if workerAddr != "" {
			cfg.Endpoints = []string{workerAddr}
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	host, _ := os.Hostname()
	rootCmd.PersistentFlags().StringVar(&workerAddr, "worker", "", "Worker gRPC address (default: PIPAGENT_ENDPOINTS or Redis discovery)")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "Preferred worker region when discovering through Redis")
	rootCmd.PersistentFlags().StringVar(&coordinator, "coordinator", host, "Coordinator name put in channel tokens")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "Overall deadline for the command")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log RPC activity to stderr")
}

// session is one connection to one worker.
type session struct {
	worker *proxy.CloudWorker
	table  *pathtable.Table
	files  *proxy.LocalFiles
	close  func()
}

// connect picks a worker and opens a CloudWorker to it.
func connect() (*session, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	target, bound, err := pickWorker()
	if err != nil {
		return nil, err
	}

	opts := rpc.DialOptions{CAFile: cfg.TLSCA, Insecure: cfg.AllowInsecure}
	if cfg.TokenSecret != "" {
		// Registry entries carry the worker id, so the token can be bound to it.
		workerID := ""
		if bound {
			workerID = target.ID
		}
		opts.Credentials = auth.NewTokenCredentials(auth.NewJWTIssuer(cfg.TokenSecret), coordinator, workerID, 0, cfg.AllowInsecure)
	}
	pool := discovery.NewPool(opts)
	conn, err := pool.Get(target.GRPCAddr)
	if err != nil {
		return nil, err
	}

	table := pathtable.New()
	files := proxy.NewLocalFiles(table)
	w := proxy.NewCloudWorker(target.GRPCAddr, conn, table, files, proxy.Options{
		ChunkSize:         cfg.ChunkSize,
		BufferPoolSize:    cfg.BufferPoolSize,
		UploadConcurrency: cfg.UploadConcurrency,
	})
	return &session{worker: w, table: table, files: files, close: pool.Close}, nil
}

// pickWorker returns the worker to talk to and whether its id is known.
func pickWorker() (*discovery.Worker, bool, error) {
	if len(cfg.Endpoints) > 0 {
		w, err := discovery.NewStatic(cfg.Endpoints, cfg.MaxCapacity).Pick(region)
		return w, false, err
	}
	reg, err := discovery.NewRedisRegistry(cfg.RedisURL)
	if err != nil {
		return nil, false, err
	}
	reg.Start()
	defer reg.Stop()
	w, err := reg.Pick(region)
	if err != nil {
		return nil, false, fmt.Errorf("pick worker: %w", err)
	}
	return w, true, nil
}
