package registry

import (
	"container/list"
	"fmt"
)

// Kind tags the variant of a record.
type Kind uint8

const (
	// KindSynthetic backs a regular file serving the synthetic payload.
	KindSynthetic Kind = iota + 1
)

// String returns the kind name used in logs and diagnostics.
func (k Kind) String() string {
	switch k {
	case KindSynthetic:
		return "synthetic"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record is the private state owned by exactly one content-bearing node.
type Record struct {
	kind Kind
	id   uint64
	size int64

	// payload is owned by the record and dropped when the registry
	// releases it.
	payload []byte

	// Guarded by the owning Registry's mutex.
	elem     *list.Element
	owner    *Registry
	released bool
}

// NewRecord allocates a record together with its payload buffer.
// A negative size is kept as is and means "unset".
func NewRecord(kind Kind, id uint64, size int64, payloadLen int) *Record {
	if payloadLen < 0 {
		payloadLen = 0
	}
	return &Record{
		kind:    kind,
		id:      id,
		size:    size,
		payload: make([]byte, payloadLen),
	}
}

// Kind returns the record's variant tag.
func (r *Record) Kind() Kind { return r.kind }

// ID returns the identifier assigned at creation.
func (r *Record) ID() uint64 { return r.id }

// Size returns the logical size. Negative means unset.
func (r *Record) Size() int64 { return r.size }

// RecordInfo is a point-in-time copy of a record's public fields.
type RecordInfo struct {
	Kind       Kind   `json:"kind"`
	ID         uint64 `json:"id"`
	Size       int64  `json:"size"`
	PayloadLen int    `json:"payload_len"`
}

func (r *Record) info() RecordInfo {
	return RecordInfo{
		Kind:       r.kind,
		ID:         r.id,
		Size:       r.size,
		PayloadLen: len(r.payload),
	}
}
