package rpc

import (
	"errors"
	"fmt"

	"github.com/opensandbox/pipagent/internal/pathtable"
)

// ErrMissingHeader is returned when a request arrives without a usable
// request header.
var ErrMissingHeader = errors.New("rpc: missing request header")

// RequestHeader identifies the caller's session for tracing.
type RequestHeader struct {
	TraceID   string `cbor:"trace_id"`
	SessionID int32  `cbor:"session_id"`
}

// Validate checks that the header is present and carries a trace id.
func (h *RequestHeader) Validate() error {
	if h == nil || h.TraceID == "" {
		return ErrMissingHeader
	}
	return nil
}

// ResponseHeader reports the outcome of a content operation.
type ResponseHeader struct {
	Succeeded             bool   `cbor:"succeeded"`
	Result                int32  `cbor:"result"`
	ErrorMessage          string `cbor:"error_message,omitempty"`
	Diagnostics           string `cbor:"diagnostics,omitempty"`
	ServerReceiptUnixNano int64  `cbor:"server_receipt"`
}

// PinBulkRequest asks the store to pin each hash.
type PinBulkRequest struct {
	Header        *RequestHeader `cbor:"header"`
	ContentHashes [][]byte       `cbor:"hashes"`
}

// PinItem is the result for the hash at Index in the request.
type PinItem struct {
	Index        int32  `cbor:"index"`
	Result       int32  `cbor:"result"`
	ErrorMessage string `cbor:"error_message,omitempty"`
}

// PinBulkResponse carries one item per requested hash, in no particular
// order.
type PinBulkResponse struct {
	Items                 []PinItem `cbor:"items"`
	ServerReceiptUnixNano int64     `cbor:"server_receipt"`
}

// Chunk is one ordered piece of an uploaded file.
type Chunk struct {
	ID      int64  `cbor:"id"`
	Content []byte `cbor:"content"`
}

// StoreFileRequest is one message of a streamed upload. Header, hash,
// path and length are only read from the first message. Length is checked
// only when LengthKnown is set, so that a declared zero is checked too.
type StoreFileRequest struct {
	Header      *RequestHeader `cbor:"header,omitempty"`
	ContentHash []byte         `cbor:"hash,omitempty"`
	Path        string         `cbor:"path,omitempty"`
	Length      int64          `cbor:"length,omitempty"`
	LengthKnown bool           `cbor:"length_known,omitempty"`
	Chunk       Chunk          `cbor:"chunk"`
}

// StoreFileResponse reports whether the upload was committed.
type StoreFileResponse struct {
	Header ResponseHeader `cbor:"header"`
}

// FileArtifact references a path by portable id plus its write version.
type FileArtifact struct {
	Path         uint32 `cbor:"path"`
	RewriteCount int32  `cbor:"rewrite,omitempty"`
}

// DirectoryArtifact references a directory by portable id.
type DirectoryArtifact struct {
	Path   uint32 `cbor:"path"`
	SealID uint32 `cbor:"seal,omitempty"`
}

// EnvironmentVariable is either a literal value or a pass-through of the
// worker's configured host environment.
type EnvironmentVariable struct {
	Name        string `cbor:"name"`
	Value       string `cbor:"value,omitempty"`
	PassThrough bool   `cbor:"pass_through,omitempty"`
}

// Process is the self-contained description of a process pip.
type Process struct {
	SemiStableHash             uint64                `cbor:"semi_stable_hash"`
	Description                string                `cbor:"description,omitempty"`
	Executable                 uint32                `cbor:"executable"`
	Arguments                  []string              `cbor:"arguments,omitempty"`
	Environment                []EnvironmentVariable `cbor:"environment,omitempty"`
	WorkingDirectory           uint32                `cbor:"working_directory,omitempty"`
	HasWorkingDirectory        bool                  `cbor:"has_working_directory,omitempty"`
	Dependencies               []FileArtifact        `cbor:"dependencies,omitempty"`
	DirectoryDependencies      []DirectoryArtifact   `cbor:"directory_dependencies,omitempty"`
	FileOutputs                []FileArtifact        `cbor:"file_outputs,omitempty"`
	DirectoryOutputs           []DirectoryArtifact   `cbor:"directory_outputs,omitempty"`
	TimeoutMillis              int64                 `cbor:"timeout_ms,omitempty"`
	NestedTerminationMillis    int64                 `cbor:"nested_termination_ms,omitempty"`
	AllowUndeclaredSourceReads bool                  `cbor:"allow_undeclared_source_reads,omitempty"`
	UniqueOutputDirectory      uint32                `cbor:"unique_output_directory,omitempty"`
	HasUniqueOutputDirectory   bool                  `cbor:"has_unique_output_directory,omitempty"`
}

// InputFile maps a portable path id to the content that must be placed
// there.
type InputFile struct {
	Path        uint32 `cbor:"path"`
	ContentHash []byte `cbor:"hash"`
}

// ExecProcessRequest asks the worker to run one process pip.
type ExecProcessRequest struct {
	Header     *RequestHeader  `cbor:"header"`
	Process    *Process        `cbor:"process"`
	InputFiles []InputFile     `cbor:"input_files,omitempty"`
	PathTable  pathtable.Delta `cbor:"path_table"`
}

// Validate checks the parts of the request every handler relies on.
func (r *ExecProcessRequest) Validate() error {
	if err := r.Header.Validate(); err != nil {
		return err
	}
	if r.Process == nil {
		return fmt.Errorf("rpc: exec request without process")
	}
	return nil
}

// OutputFile describes one produced file stored in the worker's CAS.
type OutputFile struct {
	File        FileArtifact `cbor:"file"`
	ContentHash []byte       `cbor:"hash"`
	Length      int64        `cbor:"length"`
}

// Violation is an access the sandbox did not allow.
type Violation struct {
	Path   uint32 `cbor:"path"`
	Access int32  `cbor:"access"`
}

// ExecProcessResponse carries the exit code, the produced files and the
// path-table entries needed to interpret them.
type ExecProcessResponse struct {
	ExitCode              int32           `cbor:"exit_code"`
	OutputFiles           []OutputFile    `cbor:"output_files,omitempty"`
	Violations            []Violation     `cbor:"violations,omitempty"`
	PathTable             pathtable.Delta `cbor:"path_table"`
	ExecutionMillis       int64           `cbor:"execution_ms,omitempty"`
	ServerReceiptUnixNano int64           `cbor:"server_receipt"`
	Stdout                []byte          `cbor:"stdout,omitempty"`
	Stderr                []byte          `cbor:"stderr,omitempty"`
	OutputTruncated       bool            `cbor:"output_truncated,omitempty"`
}
