package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Channel is one of the broadcast groups peers talk on.
type Channel uint8

const (
	// Control carries small signalling messages (STORED, GETCHUNK).
	Control Channel = iota
	// DataBackup carries PUTCHUNK payloads.
	DataBackup
	// DataRestore carries CHUNK payloads.
	DataRestore
)

var Channels = []Channel{Control, DataBackup, DataRestore}

func (c Channel) String() string {
	switch c {
	case Control:
		return "MC"
	case DataBackup:
		return "MDB"
	case DataRestore:
		return "MDR"
	default:
		return "unknown"
	}
}

// Transport delivers datagrams to every member of a channel's group,
// including the sender. Delivery is unordered and may drop or duplicate
// datagrams.
type Transport interface {
	Send(ctx context.Context, ch Channel, data []byte) error
	Receive(ctx context.Context, ch Channel) ([]byte, error)
	Close() error
}
