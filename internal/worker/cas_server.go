package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/pipagent/internal/cas"
	"github.com/opensandbox/pipagent/internal/execlog"
	"github.com/opensandbox/pipagent/internal/metrics"
	"github.com/opensandbox/pipagent/internal/rpc"
	"github.com/opensandbox/pipagent/pkg/types"
)

// CasServer implements the RemoteCas service over the worker's content
// store.
type CasServer struct {
	store   *cas.Store
	uploads string
	verify  bool
	journal *execlog.Journal // nil if not configured
}

// NewCasServer creates a CasServer. Uploads are staged under
// <root>/uploads, which must be on the same filesystem as the store.
func NewCasServer(store *cas.Store, root string, verify bool, journal *execlog.Journal) (*CasServer, error) {
	uploads := filepath.Join(root, "uploads")
	if err := os.MkdirAll(uploads, 0755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &CasServer{store: store, uploads: uploads, verify: verify, journal: journal}, nil
}

// PinBulk pins every requested hash. A hash that cannot be decoded fails
// only its own item.
func (s *CasServer) PinBulk(ctx context.Context, req *rpc.PinBulkRequest) (*rpc.PinBulkResponse, error) {
	receipt := time.Now().UnixNano()
	if err := req.Header.Validate(); err != nil {
		log.Printf("cas_server: PinBulk rejected: %v", err)
		return nil, toStatus(err)
	}

	resp := &rpc.PinBulkResponse{
		Items:                 make([]rpc.PinItem, 0, len(req.ContentHashes)),
		ServerReceiptUnixNano: receipt,
	}

	hashes := make([]types.ContentHash, 0, len(req.ContentHashes))
	indices := make([]int, 0, len(req.ContentHashes))
	for i, raw := range req.ContentHashes {
		h, err := types.HashFromBytes(raw)
		if err != nil {
			resp.Items = append(resp.Items, rpc.PinItem{Index: int32(i), Result: int32(types.PinError), ErrorMessage: err.Error()})
			metrics.PinsTotal.WithLabelValues(types.PinError.String()).Inc()
			continue
		}
		hashes = append(hashes, h)
		indices = append(indices, i)
	}

	for _, r := range s.store.Pin(ctx, hashes) {
		item := rpc.PinItem{Index: int32(indices[r.Index]), Result: int32(r.Code)}
		if r.Err != nil {
			item.ErrorMessage = r.Err.Error()
			log.Printf("cas_server: trace=%s pin %s: %v", req.Header.TraceID, hashes[r.Index].Short(), r.Err)
		}
		resp.Items = append(resp.Items, item)
	}
	return resp, nil
}

// StoreFile receives one streamed upload and commits it under its
// declared hash. The staged file is discarded on every failure path.
func (s *CasServer) StoreFile(stream rpc.RemoteCas_StoreFileServer) error {
	started := time.Now()
	receipt := started.UnixNano()

	info, chunks, trace, err := s.receive(stream)
	s.recordUpload(info, chunks, started, err)
	if err != nil {
		log.Printf("cas_server: trace=%s StoreFile %s: %v", trace, info.Hash.Short(), err)
		return toStatus(err)
	}

	return stream.SendAndClose(&rpc.StoreFileResponse{
		Header: rpc.ResponseHeader{
			Succeeded:             true,
			Diagnostics:           fmt.Sprintf("stored %d bytes in %d chunks (%dms)", info.Length, chunks, time.Since(started).Milliseconds()),
			ServerReceiptUnixNano: receipt,
		},
	})
}

func (s *CasServer) receive(stream rpc.RemoteCas_StoreFileServer) (info types.ContentInfo, chunks int, trace string, err error) {
	ctx := stream.Context()

	first, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return info, 0, "", ErrEmptyUpload
	}
	if err != nil {
		return info, 0, "", err
	}
	if err := first.Header.Validate(); err != nil {
		return info, 0, "", err
	}
	trace = first.Header.TraceID
	hash, err := types.HashFromBytes(first.ContentHash)
	if err != nil {
		return info, 0, trace, err
	}
	info.Hash = hash

	staged := filepath.Join(s.uploads, uuid.NewString())
	f, err := os.OpenFile(staged, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return info, 0, trace, fmt.Errorf("create upload file: %w", err)
	}
	// Move consumes the file on success; removing a missing file is harmless.
	defer os.Remove(staged)

	var written int64
	msg := first
	for {
		if msg.Chunk.ID != int64(chunks) {
			f.Close()
			return info, chunks, trace, fmt.Errorf("%w: got chunk %d, want %d", ErrChunkSequence, msg.Chunk.ID, chunks)
		}
		n, err := f.Write(msg.Chunk.Content)
		written += int64(n)
		if err != nil {
			f.Close()
			return info, chunks, trace, fmt.Errorf("write upload file: %w", err)
		}
		chunks++

		msg, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return info, chunks, trace, err
		}
	}
	if err := f.Close(); err != nil {
		return info, chunks, trace, fmt.Errorf("close upload file: %w", err)
	}
	if first.LengthKnown && written != first.Length {
		return info, chunks, trace, fmt.Errorf("%w: declared %d bytes, received %d", ErrLengthMismatch, first.Length, written)
	}

	stored, err := s.store.PutFile(ctx, hash, staged, cas.PutOptions{
		Verify: s.verify,
		Move:   true,
		Source: first.Path,
	})
	if err != nil {
		return info, chunks, trace, err
	}
	return stored, chunks, trace, nil
}

func (s *CasServer) recordUpload(info types.ContentInfo, chunks int, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		metrics.UploadBytesTotal.Add(float64(info.Length))
	}
	metrics.UploadsTotal.WithLabelValues(result).Inc()

	if s.journal == nil {
		return
	}
	if jerr := s.journal.RecordUpload(execlog.Upload{
		Hash:       info.Hash.String(),
		Size:       info.Length,
		Chunks:     chunks,
		Result:     result,
		DurationMs: time.Since(started).Milliseconds(),
	}); jerr != nil {
		log.Printf("cas_server: journal upload: %v", jerr)
	}
}
