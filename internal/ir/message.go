package ir

import (
	"encoding/json"
	"fmt"
)

// MessageType distinguishes message payload kinds.
type MessageType string

const (
	// MessageState carries the sender's dimension buffers as payload.
	MessageState MessageType = "state"
	// MessageData carries an opaque application payload.
	MessageData MessageType = "data"
)

// OutboundMessage is the transport-agnostic wire message.
//
// Messages are immutable once enqueued. Seq is a per (sender, destination)
// sequence number used by receivers to restore send order; zero means the
// message is unsequenced and is applied on arrival.
type OutboundMessage struct {
	ID           string      `json:"id"`
	Type         MessageType `json:"type"`
	From         Address     `json:"from"`
	To           Address     `json:"to"`
	Payload      []byte      `json:"payload"`
	LogicalClock uint64      `json:"logical_clock"`
	Seq          uint64      `json:"seq"`
	Snapshot     Snapshot    `json:"snapshot"`
	HopPath      []Address   `json:"hop_path"`
}

// Clone returns a deep copy that shares no slices with m.
func (m OutboundMessage) Clone() OutboundMessage {
	out := m
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	if m.HopPath != nil {
		out.HopPath = append([]Address(nil), m.HopPath...)
	}
	return out
}

// Visited reports whether peer already appears on the hop path.
func (m OutboundMessage) Visited(peer PeerKey) bool {
	for _, hop := range m.HopPath {
		if hop.Peer() == peer {
			return true
		}
	}
	return false
}

// EncodeBuffers serializes per-dimension buffers as the payload of a
// MessageState message. Nil buffers (unset dimensions) are encoded as null.
func EncodeBuffers(set DimensionSet, buffers [][]byte) ([]byte, error) {
	if len(buffers) != set.Len() {
		return nil, fmt.Errorf("encode buffers: have %d buffers for %d dimensions", len(buffers), set.Len())
	}
	m := make(map[string][]byte, set.Len())
	for i, b := range buffers {
		m[string(set.Name(i))] = b
	}
	return json.Marshal(m)
}

// DecodeBuffers reverses EncodeBuffers. Dimensions absent from the payload
// decode as nil.
func DecodeBuffers(set DimensionSet, payload []byte) ([][]byte, error) {
	var m map[string][]byte
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode buffers: %w", err)
	}
	out := make([][]byte, set.Len())
	for name, b := range m {
		i, ok := set.Index(Dimension(name))
		if !ok {
			return nil, UnknownDimension(Dimension(name))
		}
		out[i] = b
	}
	return out, nil
}
