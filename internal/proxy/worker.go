package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/opensandbox/pipagent/internal/pathtable"
	"github.com/opensandbox/pipagent/internal/pip"
	"github.com/opensandbox/pipagent/internal/rpc"
	"github.com/opensandbox/pipagent/pkg/types"
)

var (
	// ErrUnknownLength is returned for content whose length is not known.
	// Such files are never streamed.
	ErrUnknownLength = errors.New("proxy: content length unknown")
	// ErrUntrackedInput is returned when the file content manager has no
	// content for a declared input.
	ErrUntrackedInput = errors.New("proxy: input content not tracked")
	// ErrPinFailed is returned when the worker could not pin an input.
	ErrPinFailed = errors.New("proxy: pin failed")
)

// FileContentManager is the coordinator's record of file content.
type FileContentManager interface {
	// InputContent returns the content of a declared input.
	InputContent(f pip.FileArtifact) (types.ContentInfo, bool)
	// ListSealedDirectoryContents returns the members of a sealed directory.
	ListSealedDirectoryContents(d pip.DirectoryArtifact) []pip.FileArtifact
	// ReportOutputContent records a file produced remotely.
	ReportOutputContent(f pip.FileArtifact, info types.ContentInfo)
}

// Options configures a CloudWorker.
type Options struct {
	// ChunkSize is the size of each StoreFile chunk, 1 MiB by default.
	ChunkSize int
	// BufferPoolSize bounds the chunk buffers in flight, 16 by default.
	BufferPoolSize int
	// UploadConcurrency bounds the concurrent StoreFile streams, 8 by default.
	UploadConcurrency int
	// SessionID is sent in every request header.
	SessionID int32
}

// CloudWorker offloads process pips to one remote worker.
type CloudWorker struct {
	name  string
	cas   rpc.RemoteCasClient
	exec  rpc.RemoteExecClient
	files FileContentManager
	table *pathtable.Table
	pool  *BufferPool

	uploadConcurrency int
	sessionID         int32
}

// NewCloudWorker creates a proxy for the worker behind conn. Paths are
// interned in table, which the caller shares with its build graph.
func NewCloudWorker(name string, conn grpc.ClientConnInterface, table *pathtable.Table, files FileContentManager, opts Options) *CloudWorker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	if opts.BufferPoolSize <= 0 {
		opts.BufferPoolSize = 16
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 8
	}
	return &CloudWorker{
		name:              name,
		cas:               rpc.NewRemoteCasClient(conn),
		exec:              rpc.NewRemoteExecClient(conn),
		files:             files,
		table:             table,
		pool:              NewBufferPool(opts.BufferPoolSize, opts.ChunkSize),
		uploadConcurrency: opts.UploadConcurrency,
		sessionID:         opts.SessionID,
	}
}

// Name returns the worker's address.
func (w *CloudWorker) Name() string { return w.name }

func (w *CloudWorker) header() *rpc.RequestHeader {
	return &rpc.RequestHeader{TraceID: uuid.NewString(), SessionID: w.sessionID}
}

type input struct {
	file pip.FileArtifact
	info types.ContentInfo
}

// inputs lists the declared dependencies and the members of every sealed
// directory dependency, once per path.
func (w *CloudWorker) inputs(proc *pip.Process) ([]input, error) {
	files := append([]pip.FileArtifact(nil), proc.Dependencies...)
	for _, dir := range proc.DirectoryDependencies {
		files = append(files, w.files.ListSealedDirectoryContents(dir)...)
	}

	seen := make(map[pathtable.PathID]bool, len(files))
	out := make([]input, 0, len(files))
	for _, f := range files {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		info, ok := w.files.InputContent(f)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUntrackedInput, w.table.String(f.Path))
		}
		out = append(out, input{file: f, info: info})
	}
	return out, nil
}

// MaterializeInputs makes every input of proc available in the worker's
// content store: it pins all of them and uploads the ones the worker does
// not have. A pin error aborts before anything is uploaded.
func (w *CloudWorker) MaterializeInputs(ctx context.Context, proc *pip.Process) error {
	pipID := pip.FormatSemiStableHash(proc.SemiStableHash)
	inputs, err := w.inputs(proc)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return nil
	}

	// Pinning
	byHash := make(map[types.ContentHash]input, len(inputs))
	order := make([]types.ContentHash, 0, len(inputs))
	for _, in := range inputs {
		if _, ok := byHash[in.info.Hash]; ok {
			continue
		}
		byHash[in.info.Hash] = in
		order = append(order, in.info.Hash)
	}

	results, trace, err := w.pin(ctx, order)
	if err != nil {
		return fmt.Errorf("pin inputs of %s on %s: %w", pipID, w.name, err)
	}

	var missing []input
	for i, res := range results {
		in := byHash[order[i]]
		switch res.Code {
		case types.PinSuccess:
		case types.PinContentNotFound:
			missing = append(missing, in)
		default:
			return fmt.Errorf("%w: %s (%s) on %s: %s", ErrPinFailed, w.table.String(in.file.Path), in.info.Hash.Short(), w.name, res.Message)
		}
	}
	log.Printf("proxy: trace=%s %s pinned %d/%d inputs on %s", trace, pipID, len(order)-len(missing), len(order), w.name)
	if len(missing) == 0 {
		return nil
	}

	// Uploading
	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.uploadConcurrency)
	for _, in := range missing {
		in := in
		g.Go(func() error {
			return w.StoreFile(gctx, w.table.String(in.file.Path), in.info)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("proxy: %s uploaded %d inputs to %s (%dms)", pipID, len(missing), w.name, time.Since(started).Milliseconds())
	return nil
}

// PinResult is the worker's answer for one hash.
type PinResult struct {
	Hash    types.ContentHash
	Code    types.PinResultCode
	Message string
}

// Pin asks the worker to keep hashes available, in one request. Results
// are in the order of hashes.
func (w *CloudWorker) Pin(ctx context.Context, hashes []types.ContentHash) ([]PinResult, error) {
	results, _, err := w.pin(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("pin on %s: %w", w.name, err)
	}
	return results, nil
}

func (w *CloudWorker) pin(ctx context.Context, hashes []types.ContentHash) ([]PinResult, string, error) {
	header := w.header()
	raw := make([][]byte, len(hashes))
	for i, h := range hashes {
		raw[i] = h.Bytes()
	}
	resp, err := w.cas.PinBulk(ctx, &rpc.PinBulkRequest{Header: header, ContentHashes: raw})
	if err != nil {
		return nil, header.TraceID, rpc.FromStatus(err)
	}

	results := make([]PinResult, len(hashes))
	seen := make([]bool, len(hashes))
	for _, item := range resp.Items {
		if item.Index < 0 || int(item.Index) >= len(hashes) {
			return nil, header.TraceID, fmt.Errorf("%w: result for unknown index %d", rpc.ErrProtocol, item.Index)
		}
		results[item.Index] = PinResult{
			Hash:    hashes[item.Index],
			Code:    types.PinResultCode(item.Result),
			Message: item.ErrorMessage,
		}
		seen[item.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, header.TraceID, fmt.Errorf("%w: no result for index %d", rpc.ErrProtocol, i)
		}
	}
	return results, header.TraceID, nil
}

// StoreFile streams the file at path to the worker under info.Hash.
// Content of unknown length is rejected before a stream is opened.
func (w *CloudWorker) StoreFile(ctx context.Context, path string, info types.ContentInfo) error {
	if !info.KnownLength {
		return fmt.Errorf("%w: %s", ErrUnknownLength, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf, err := w.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer w.pool.Put(buf)

	// Cancelling the stream context aborts the upload; the worker then
	// discards what it staged.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := w.cas.StoreFile(ctx)
	if err != nil {
		return fmt.Errorf("open upload stream for %s: %w", path, rpc.FromStatus(err))
	}

	first := &rpc.StoreFileRequest{
		Header:      w.header(),
		ContentHash: info.Hash.Bytes(),
		Path:        path,
		Length:      info.Length,
		LengthKnown: true,
	}
	var (
		id           int64
		sent         int64
		serverClosed bool
	)
	for {
		n, rerr := io.ReadFull(f, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read %s: %w", path, rerr)
		}
		// An empty file is still sent as one empty chunk.
		if n > 0 || id == 0 {
			req := &rpc.StoreFileRequest{}
			if id == 0 {
				req = first
			}
			req.Chunk = rpc.Chunk{ID: id, Content: buf[:n]}
			if err := stream.Send(req); err != nil {
				if errors.Is(err, io.EOF) {
					// The server ended the stream; the reason comes with CloseAndRecv.
					serverClosed = true
					break
				}
				return fmt.Errorf("send chunk %d of %s: %w", id, path, rpc.FromStatus(err))
			}
			id++
			sent += int64(n)
		}
		if rerr != nil {
			break
		}
	}
	if !serverClosed && sent != info.Length {
		return fmt.Errorf("%w: %s changed size: expected %d bytes, read %d", rpc.ErrContent, path, info.Length, sent)
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, rpc.FromStatus(err))
	}
	if !resp.Header.Succeeded {
		return fmt.Errorf("upload %s: %w: %s", path, rpc.ErrContent, resp.Header.ErrorMessage)
	}
	return nil
}

// ExecuteProcess runs proc on the worker and reports its outputs to the
// file content manager. A non-zero exit code is a successful call; only
// infrastructure failures return an error.
func (w *CloudWorker) ExecuteProcess(ctx context.Context, proc *pip.Process) (*types.ExecutionResult, error) {
	pipID := pip.FormatSemiStableHash(proc.SemiStableHash)
	inputs, err := w.inputs(proc)
	if err != nil {
		return nil, err
	}

	x := pathtable.NewExchange(w.table)
	wire, err := pip.ToWire(proc, x)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w: %w", pipID, rpc.ErrProtocol, err)
	}
	req := &rpc.ExecProcessRequest{
		Header:     w.header(),
		Process:    wire,
		InputFiles: make([]rpc.InputFile, 0, len(inputs)),
	}
	for _, in := range inputs {
		seq, err := x.ToPortable(in.file.Path)
		if err != nil {
			return nil, fmt.Errorf("encode input of %s: %w: %w", pipID, rpc.ErrProtocol, err)
		}
		req.InputFiles = append(req.InputFiles, rpc.InputFile{
			Path:        seq,
			ContentHash: in.info.Hash.Bytes(),
		})
	}
	req.PathTable = x.Send()

	resp, err := w.exec.ExecProcess(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("execute %s on %s: %w", pipID, w.name, rpc.FromStatus(err))
	}
	if err := x.Receive(resp.PathTable); err != nil {
		return nil, fmt.Errorf("execute %s on %s: %w: %w", pipID, w.name, rpc.ErrProtocol, err)
	}

	result := &types.ExecutionResult{
		ExitCode:        int(resp.ExitCode),
		Outputs:         make([]types.OutputFile, 0, len(resp.OutputFiles)),
		Stdout:          string(resp.Stdout),
		Stderr:          string(resp.Stderr),
		OutputTruncated: resp.OutputTruncated,
	}
	produced := make([]pip.FileArtifact, 0, len(resp.OutputFiles))
	for _, o := range resp.OutputFiles {
		f, err := pip.FileFromWire(o.File, x)
		if err != nil {
			return nil, fmt.Errorf("output of %s: %w: %w", pipID, rpc.ErrProtocol, err)
		}
		hash, err := types.HashFromBytes(o.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("output %s of %s: %w: %w", w.table.String(f.Path), pipID, rpc.ErrProtocol, err)
		}
		info := types.NewContentInfo(hash, o.Length)
		w.files.ReportOutputContent(f, info)
		produced = append(produced, f)
		result.Outputs = append(result.Outputs, types.OutputFile{
			Path:         w.table.String(f.Path),
			RewriteCount: f.RewriteCount,
			Hash:         hash,
			Length:       o.Length,
		})
	}
	for _, v := range resp.Violations {
		id, err := x.FromPortable(v.Path)
		if err != nil {
			return nil, fmt.Errorf("violation of %s: %w: %w", pipID, rpc.ErrProtocol, err)
		}
		result.Violations = append(result.Violations, types.Violation{
			Path:   w.table.String(id),
			Access: types.RequestedAccess(v.Access),
		})
	}
	result.DirectoryOutputs = w.groupDirectoryOutputs(proc, produced)

	log.Printf("proxy: trace=%s %s on %s exit=%d outputs=%d violations=%d",
		req.Header.TraceID, pipID, w.name, result.ExitCode, len(result.Outputs), len(result.Violations))
	return result, nil
}

func (w *CloudWorker) groupDirectoryOutputs(proc *pip.Process, produced []pip.FileArtifact) []types.DirectoryOutput {
	var out []types.DirectoryOutput
	for _, dir := range proc.DirectoryOutputs {
		d := types.DirectoryOutput{Path: w.table.String(dir.Path)}
		for _, f := range produced {
			if w.table.IsWithin(f.Path, dir.Path) {
				d.Files = append(d.Files, w.table.String(f.Path))
			}
		}
		sort.Strings(d.Files)
		out = append(out, d)
	}
	return out
}

// Run materializes the inputs of proc and executes it.
func (w *CloudWorker) Run(ctx context.Context, proc *pip.Process) (*types.ExecutionResult, error) {
	if err := w.MaterializeInputs(ctx, proc); err != nil {
		return nil, err
	}
	return w.ExecuteProcess(ctx, proc)
}
