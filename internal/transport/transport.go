// SPDX-License-Identifier: MIT
package transport

// Transport defines a generic interface for sending finished columns or
// events. Implementations should be thread-safe and must not retain slices
// from the payload after Send returns.
type Transport interface {
	Send(data any) error
	Close() error
}

// ColumnMessage is the payload the engine hands to every Transport once a
// pixel column has been stored. Pixels is borrowed from the engine and is
// only valid for the duration of Send.
type ColumnMessage struct {
	Index  uint64   `json:"index"`  // Logical column index in the column ring.
	Pixels []uint32 `json:"pixels"` // Position 0 is the highest frequency.
}

// ColumnProvider gives pull-based transports access to the newest column.
type ColumnProvider interface {
	// LatestColumn copies the newest available column into dst and returns
	// its logical index. ok is false when no column exists yet.
	LatestColumn(dst []uint32) (index uint64, ok bool)
	// SamplesPerWindow returns the column length.
	SamplesPerWindow() int
}
