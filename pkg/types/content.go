package types

// ContentInfo describes a stored or to-be-stored blob. A file whose length
// is not known cannot be streamed to a worker without first materializing it.
type ContentInfo struct {
	Hash        ContentHash `json:"hash"`
	Length      int64       `json:"length"`
	KnownLength bool        `json:"knownLength"`
}

// NewContentInfo returns a ContentInfo with a known length.
func NewContentInfo(hash ContentHash, length int64) ContentInfo {
	return ContentInfo{Hash: hash, Length: length, KnownLength: true}
}

// UnknownLengthContent returns a ContentInfo whose length is not known.
func UnknownLengthContent(hash ContentHash) ContentInfo {
	return ContentInfo{Hash: hash, Length: -1}
}

// PinResultCode is the per-item outcome of a bulk pin.
type PinResultCode int32

const (
	PinSuccess         PinResultCode = 0
	PinContentNotFound PinResultCode = 1
	PinError           PinResultCode = 2
)

func (c PinResultCode) String() string {
	switch c {
	case PinSuccess:
		return "success"
	case PinContentNotFound:
		return "content_not_found"
	case PinError:
		return "error"
	}
	return "unknown"
}
