package wire

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// RequestID is a freshly minted 128-bit identifier scoped to the lifetime
// of one control channel, used symmetrically by both ends to correlate
// frames belonging to the same tunneled request.
type RequestID uuid.UUID

// NilRequestID is used for frames that carry no request (PING/PONG).
var NilRequestID = RequestID(uuid.Nil)

// NewRequestID mints a fresh random request id.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// IsNil reports whether id is the zero-value / control id.
func (id RequestID) IsNil() bool {
	return id == NilRequestID
}

// ParseRequestID decodes the hex form written by String.
func ParseRequestID(s string) (RequestID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NilRequestID, err
	}
	var id RequestID
	if len(b) != len(id) {
		return NilRequestID, errBadRequestIDLength
	}
	copy(id[:], b)
	return id, nil
}

type wireError string

func (e wireError) Error() string { return string(e) }

const errBadRequestIDLength = wireError("wire: request id must be 16 bytes")
