// Package backplane carries fan-out between relay instances so a user
// connected to one instance receives events produced on another.
package backplane

import (
	"context"
	"encoding/json"
)

// Frame kinds.
const (
	KindFanout = "fanout"
	KindEvict  = "evict"
)

// Frame is one cross-instance delivery. A fanout frame delivers an encoded
// envelope to every local connection in Rooms. An evict frame logs out the
// user's connections that belong to a device other than Device.
type Frame struct {
	Origin string          `json:"origin"`
	Kind   string          `json:"kind"`
	Rooms  []string        `json:"rooms,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	User   string          `json:"user,omitempty"`
	Device string          `json:"device,omitempty"`
}

// Backplane publishes frames to the other instances.
type Backplane interface {
	Publish(ctx context.Context, f Frame) error
	// Subscribe delivers frames from other instances to fn until ctx ends.
	// Frames published by this instance are never delivered back.
	Subscribe(ctx context.Context, fn func(Frame)) error
	Close() error
}

// Local is the backplane of a single relay instance.
type Local struct{}

func (Local) Publish(context.Context, Frame) error { return nil }

func (Local) Subscribe(context.Context, func(Frame)) error { return nil }

func (Local) Close() error { return nil }
