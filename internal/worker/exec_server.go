package worker

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/pipagent/internal/execlog"
	"github.com/opensandbox/pipagent/internal/metrics"
	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/internal/rpc"
	"github.com/opensandbox/pipagent/internal/sandbox"
	"github.com/opensandbox/pipagent/pkg/types"
)

// ExecServer implements the RemoteExec service.
type ExecServer struct {
	executor *sandbox.Executor
	journal  *execlog.Journal // nil if not configured
	slots    chan struct{}
	active   atomic.Int64
}

// NewExecServer creates an ExecServer that runs at most capacity
// executions at once. Further calls wait for a slot.
func NewExecServer(executor *sandbox.Executor, capacity int, journal *execlog.Journal) *ExecServer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ExecServer{
		executor: executor,
		journal:  journal,
		slots:    make(chan struct{}, capacity),
	}
}

// Capacity returns the number of concurrent executions allowed.
func (s *ExecServer) Capacity() int { return cap(s.slots) }

// Active returns the number of executions in progress.
func (s *ExecServer) Active() int { return int(s.active.Load()) }

// ExecProcess runs one process pip and returns its outputs with the
// path-table entries needed to interpret them.
func (s *ExecServer) ExecProcess(ctx context.Context, req *rpc.ExecProcessRequest) (*rpc.ExecProcessResponse, error) {
	receipt := time.Now().UnixNano()
	if err := req.Validate(); err != nil {
		log.Printf("exec_server: ExecProcess rejected: %v", err)
		return nil, toStatus(err)
	}

	execID := uuid.NewString()
	x := pathtable.NewExchange(pathtable.New())
	sreq, err := decodeRequest(req, x)
	if err != nil {
		log.Printf("exec_server: trace=%s exec=%s decode: %v", req.Header.TraceID, execID, err)
		return nil, toStatus(err)
	}
	sreq.ExecID = execID
	pipID := pip.FormatSemiStableHash(sreq.Process.SemiStableHash)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		log.Printf("exec_server: trace=%s exec=%s pip=%s waiting for slot: %v", req.Header.TraceID, execID, pipID, ctx.Err())
		return nil, toStatus(ctx.Err())
	}
	s.active.Add(1)
	metrics.ExecutionsActive.Inc()
	defer func() {
		metrics.ExecutionsActive.Dec()
		s.active.Add(-1)
		<-s.slots
	}()

	started := time.Now()
	outcome, err := s.executor.Execute(ctx, sreq)
	s.record(req.Header.TraceID, execID, sreq.Process, outcome, started, err)
	if err != nil {
		log.Printf("exec_server: trace=%s exec=%s pip=%s: %v", req.Header.TraceID, execID, pipID, err)
		return nil, toStatus(err)
	}

	resp := &rpc.ExecProcessResponse{
		ExitCode:              int32(outcome.ExitCode),
		OutputFiles:           make([]rpc.OutputFile, 0, len(outcome.Outputs)),
		ExecutionMillis:       outcome.Duration.Milliseconds(),
		ServerReceiptUnixNano: receipt,
		Stdout:                outcome.Stdout,
		Stderr:                outcome.Stderr,
		OutputTruncated:       outcome.OutputTruncated,
	}
	for _, o := range outcome.Outputs {
		f, err := pip.FileToWire(o.File, x)
		if err != nil {
			return nil, toStatus(fmt.Errorf("output of %s: %w", pipID, err))
		}
		resp.OutputFiles = append(resp.OutputFiles, rpc.OutputFile{
			File:        f,
			ContentHash: o.Info.Hash.Bytes(),
			Length:      o.Info.Length,
		})
	}
	for _, v := range outcome.Violations {
		seq, err := x.ToPortable(v.Path)
		if err != nil {
			return nil, toStatus(fmt.Errorf("violation of %s: %w", pipID, err))
		}
		resp.Violations = append(resp.Violations, rpc.Violation{
			Path:   seq,
			Access: int32(v.Access),
		})
	}
	resp.PathTable = x.Send()

	log.Printf("exec_server: trace=%s exec=%s pip=%s exit=%d outputs=%d violations=%d (%dms)",
		req.Header.TraceID, execID, pipID, outcome.ExitCode, len(outcome.Outputs), len(outcome.Violations), outcome.Duration.Milliseconds())
	return resp, nil
}

// decodeRequest applies the request's path-table delta and converts the
// process and its inputs to local ids.
func decodeRequest(req *rpc.ExecProcessRequest, x *pathtable.Exchange) (*sandbox.Request, error) {
	if err := x.Receive(req.PathTable); err != nil {
		return nil, err
	}
	proc, err := pip.FromWire(req.Process, x)
	if err != nil {
		return nil, err
	}
	inputs := make([]sandbox.Input, 0, len(req.InputFiles))
	for _, in := range req.InputFiles {
		id, err := x.FromPortable(in.Path)
		if err != nil {
			return nil, fmt.Errorf("input file: %w", err)
		}
		hash, err := types.HashFromBytes(in.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", x.Table().String(id), err)
		}
		inputs = append(inputs, sandbox.Input{Path: id, Hash: hash})
	}
	return &sandbox.Request{Process: proc, Table: x.Table(), Inputs: inputs}, nil
}

func (s *ExecServer) record(trace, execID string, proc *pip.Process, outcome *sandbox.Outcome, started time.Time, err error) {
	entry := execlog.Execution{
		ExecID:      execID,
		TraceID:     trace,
		Pip:         pip.FormatSemiStableHash(proc.SemiStableHash),
		Description: proc.Description,
		DurationMs:  time.Since(started).Milliseconds(),
	}
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		entry.State = sandbox.StateFailed.String()
		entry.Error = err.Error()
		metrics.ObserveExecution(result, started, 0, 0)
	default:
		if outcome.ExitCode != 0 {
			result = "nonzero_exit"
		}
		if len(outcome.Violations) > 0 {
			result = "violation"
		}
		entry.State = outcome.State.String()
		entry.ExitCode = outcome.ExitCode
		entry.Outputs = len(outcome.Outputs)
		entry.Violations = len(outcome.Violations)
		metrics.ObserveExecution(result, started, len(outcome.Outputs), len(outcome.Violations))
	}

	if s.journal == nil {
		return
	}
	if jerr := s.journal.RecordExecution(entry); jerr != nil {
		log.Printf("exec_server: journal %s: %v", execID, jerr)
	}
}
