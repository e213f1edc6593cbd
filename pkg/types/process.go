package types

// RequestedAccess is the kind of filesystem access a monitored process
// asked for.
type RequestedAccess int32

const (
	AccessNone RequestedAccess = iota
	AccessRead
	AccessWrite
	AccessReadWrite
	AccessProbe
	AccessEnumerate
	AccessAll
)

// IsWrite reports whether the access may have changed file content.
func (a RequestedAccess) IsWrite() bool {
	return a == AccessWrite || a == AccessReadWrite || a == AccessAll
}

func (a RequestedAccess) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	case AccessProbe:
		return "probe"
	case AccessEnumerate:
		return "enumerate"
	case AccessAll:
		return "all"
	}
	return "unknown"
}

// OutputFile is a file produced by a remote execution, addressed by the
// path it has on the coordinator and by content hash.
type OutputFile struct {
	Path         string      `json:"path"`
	RewriteCount int         `json:"rewriteCount"`
	Hash         ContentHash `json:"hash"`
	Length       int64       `json:"length"`
}

// DirectoryOutput groups the produced files under one declared output
// directory.
type DirectoryOutput struct {
	Path  string   `json:"path"`
	Files []string `json:"files"`
}

// Violation is an observed access the sandbox manifest did not allow.
type Violation struct {
	Path   string          `json:"path"`
	Access RequestedAccess `json:"access"`
}

// ExecutionResult is the coordinator's view of a remote execution that
// completed. A non-zero ExitCode is a legitimate build result, not an
// infrastructure failure; infrastructure failures surface as errors.
type ExecutionResult struct {
	ExitCode         int               `json:"exitCode"`
	Outputs          []OutputFile      `json:"outputs"`
	DirectoryOutputs []DirectoryOutput `json:"directoryOutputs,omitempty"`
	Violations       []Violation       `json:"violations,omitempty"`
	// Stdout and Stderr are cut at the worker's output limit.
	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	OutputTruncated bool   `json:"outputTruncated,omitempty"`
}

// Succeeded reports whether the step exited cleanly without violations.
func (r *ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0 && len(r.Violations) == 0
}
