package kotlin

import (
	"github.com/pkg/errors"
)

// DefaultMTU is the ATT MTU before any exchange
const DefaultMTU = 23

// MaxWriteValueSize is the largest value one Write Request can carry.
// ATT Write Request format: [Opcode:1][Handle:2][Value:N]
func MaxWriteValueSize(mtu int) int {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return mtu - 3
}

// MaxReadValueSize is the largest value one Read (Blob) Response can carry.
// ATT Read Response format: [Opcode:1][Value:N]
func MaxReadValueSize(mtu int) int {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return mtu - 1
}

// ShouldFragment returns true if the value exceeds one write at this MTU
func ShouldFragment(mtu int, value []byte) bool {
	return len(value) > MaxWriteValueSize(mtu)
}

// FragmentWrite splits value into sequential writes that each fit the MTU.
// A value that fits is returned as a single fragment.
func FragmentWrite(value []byte, mtu int) ([][]byte, error) {
	maxChunkSize := MaxWriteValueSize(mtu)
	if maxChunkSize <= 0 {
		return nil, errors.Errorf("kotlin: MTU too small for fragmentation (mtu=%d)", mtu)
	}
	if len(value) == 0 {
		return [][]byte{{}}, nil
	}

	var fragments [][]byte
	for offset := 0; offset < len(value); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(value) {
			end = len(value)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, value[offset:end])
		fragments = append(fragments, chunk)
	}
	return fragments, nil
}

// Reassembler joins the fragments of a long read. It is the central-side
// counterpart of a server answering reads at increasing offsets.
type Reassembler struct {
	mtu    int
	buffer []byte
	done   bool
}

// NewReassembler creates a reassembler for reads at the given MTU
func NewReassembler(mtu int) *Reassembler {
	return &Reassembler{mtu: mtu}
}

// Offset is where the next Read Blob request should start
func (r *Reassembler) Offset() int {
	return len(r.buffer)
}

// Add appends a read response. A response shorter than the MTU allows
// marks the value complete.
func (r *Reassembler) Add(chunk []byte) {
	r.buffer = append(r.buffer, chunk...)
	if len(chunk) < MaxReadValueSize(r.mtu) {
		r.done = true
	}
}

// Complete reports whether the final fragment has arrived
func (r *Reassembler) Complete() bool {
	return r.done
}

// Value returns the bytes received so far
func (r *Reassembler) Value() []byte {
	return r.buffer
}
