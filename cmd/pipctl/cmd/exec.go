package cmd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/pkg/types"
)

type execFlags struct {
	inputs         []string
	sealed         []string
	outputs        []string
	outputDirs     []string
	workDir        string
	env            []string
	passThrough    []string
	processTimeout time.Duration
	allowReads     bool
	description    string
}

var execOpts execFlags

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <executable> [args...]",
	Short: "Run one process on a worker with declared inputs and outputs",
	Long: `Run one process on a worker.

The executable and every --input are uploaded if the worker does not hold
them yet. Files the process writes must be declared with --output or fall
under an --output-dir; other writes are reported as violations.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect()
		if err != nil {
			return err
		}
		defer s.close()

		proc, err := buildProcess(s.table, execOpts, args)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		started := time.Now()
		result, err := s.worker.Run(ctx, proc)
		if err != nil {
			return err
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
		} else {
			printResult(result, s.worker.Name(), time.Since(started))
		}
		if !result.Succeeded() {
			return fmt.Errorf("process exited with %d and %d violations", result.ExitCode, len(result.Violations))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	f := execCmd.Flags()
	f.StringArrayVarP(&execOpts.inputs, "input", "i", nil, "Input file (repeatable)")
	f.StringArrayVar(&execOpts.sealed, "sealed", nil, "Directory whose current files are all inputs (repeatable)")
	f.StringArrayVarP(&execOpts.outputs, "output", "o", nil, "Declared output file (repeatable)")
	f.StringArrayVar(&execOpts.outputDirs, "output-dir", nil, "Declared output directory (repeatable)")
	f.StringVarP(&execOpts.workDir, "cwd", "C", "", "Working directory (default: current directory)")
	f.StringArrayVarP(&execOpts.env, "env", "e", nil, "Environment variable NAME=VALUE (repeatable)")
	f.StringArrayVar(&execOpts.passThrough, "pass-env", nil, "Variable taken from the worker's environment (repeatable)")
	f.DurationVar(&execOpts.processTimeout, "process-timeout", 0, "Process timeout (default: worker setting)")
	f.BoolVar(&execOpts.allowReads, "allow-undeclared-reads", false, "Allow reads of undeclared source files")
	f.StringVar(&execOpts.description, "description", "", "Description recorded in the worker journal")
}

// buildProcess turns command-line declarations into a process pip.
func buildProcess(table *pathtable.Table, o execFlags, args []string) (*pip.Process, error) {
	intern := func(p string) (pathtable.PathID, error) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return pathtable.Invalid, err
		}
		return table.Intern(abs)
	}

	exe, err := intern(args[0])
	if err != nil {
		return nil, fmt.Errorf("executable: %w", err)
	}
	wd := o.workDir
	if wd == "" {
		if wd, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	wdID, err := intern(wd)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	proc := &pip.Process{
		Description:                o.description,
		Executable:                 pip.FileArtifact{Path: exe},
		Arguments:                  args[1:],
		WorkingDirectory:           wdID,
		Timeout:                    o.processTimeout,
		AllowUndeclaredSourceReads: o.allowReads,
	}
	if proc.Description == "" {
		proc.Description = strings.Join(args, " ")
	}

	for _, in := range o.inputs {
		id, err := intern(in)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in, err)
		}
		proc.Dependencies = append(proc.Dependencies, pip.FileArtifact{Path: id})
	}
	for _, d := range o.sealed {
		id, err := intern(d)
		if err != nil {
			return nil, fmt.Errorf("sealed directory %s: %w", d, err)
		}
		proc.DirectoryDependencies = append(proc.DirectoryDependencies, pip.DirectoryArtifact{Path: id, SealID: 1})
	}
	for _, out := range o.outputs {
		id, err := intern(out)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", out, err)
		}
		proc.FileOutputs = append(proc.FileOutputs, pip.FileArtifact{Path: id, RewriteCount: 1})
	}
	for _, d := range o.outputDirs {
		id, err := intern(d)
		if err != nil {
			return nil, fmt.Errorf("output directory %s: %w", d, err)
		}
		proc.DirectoryOutputs = append(proc.DirectoryOutputs, pip.DirectoryArtifact{Path: id})
	}
	for _, kv := range o.env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --env %q: want NAME=VALUE", kv)
		}
		proc.Environment = append(proc.Environment, pip.EnvVar{Name: name, Value: value})
	}
	for _, name := range o.passThrough {
		proc.Environment = append(proc.Environment, pip.EnvVar{Name: name, PassThrough: true})
	}

	sum := types.HashBytes([]byte(proc.Description + "\x00" + strings.Join(args, "\x00")))
	proc.SemiStableHash = binary.BigEndian.Uint64(sum[:8])
	return proc, nil
}

func printResult(r *types.ExecutionResult, worker string, elapsed time.Duration) {
	fmt.Printf("exit code %d on %s (%s)\n", r.ExitCode, worker, elapsed.Round(time.Millisecond))
	for _, out := range r.Outputs {
		fmt.Printf("  output  %s  %s  %d bytes\n", out.Hash.Short(), out.Path, out.Length)
	}
	for _, d := range r.DirectoryOutputs {
		fmt.Printf("  dir     %s  %d files\n", d.Path, len(d.Files))
	}
	for _, v := range r.Violations {
		fmt.Printf("  violation  %s  %s\n", v.Access, v.Path)
	}
	os.Stdout.WriteString(r.Stdout)
	os.Stderr.WriteString(r.Stderr)
	if r.OutputTruncated {
		fmt.Fprintln(os.Stderr, "(process output truncated by the worker)")
	}
}
