// Package util provides shared utility functions.
package util

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// CandidateKey computes a stable identifier for a serialized ICE candidate.
// The mid and m-line index are part of the key because the same candidate
// line can legitimately appear on several media sections.
func CandidateKey(candidate string, sdpMid *string, sdpMLineIndex *uint16) string {
	h := fnv.New64a()
	h.Write([]byte(candidate))
	h.Write([]byte{0})
	if sdpMid != nil {
		h.Write([]byte(*sdpMid))
	}
	h.Write([]byte{0})
	if sdpMLineIndex != nil {
		var idx [2]byte
		binary.BigEndian.PutUint16(idx[:], *sdpMLineIndex)
		h.Write(idx[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
