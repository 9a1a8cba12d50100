// Package notify fans filesystem change events out to interested
// subsystems. Delivery is fire-and-forget: a failing sink is logged and
// never fails the filesystem operation that produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies the operation that produced an event.
type Kind uint8

const (
	KindSetAttr Kind = iota + 1
	KindMkdir
	KindWrite
	KindRename
	KindRmdir
	KindUnlink
)

func (k Kind) String() string {
	switch k {
	case KindSetAttr:
		return "setattr"
	case KindMkdir:
		return "mkdir"
	case KindWrite:
		return "write"
	case KindRename:
		return "rename"
	case KindRmdir:
		return "rmdir"
	case KindUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// RenamePair carries both sides of a rename.
type RenamePair struct {
	OldParent uint64 `cbor:"1,keyasint"`
	OldName   string `cbor:"2,keyasint"`
	NewParent uint64 `cbor:"3,keyasint"`
	NewName   string `cbor:"4,keyasint"`
	IsDir     bool   `cbor:"5,keyasint"`
}

// Event describes one change. Bundle and CloudID identify the record
// the event refers to; for rename they are empty.
type Event struct {
	Kind      Kind        `cbor:"1,keyasint"`
	Inode     uint64      `cbor:"2,keyasint"`
	Bundle    string      `cbor:"3,keyasint,omitempty"`
	CloudID   string      `cbor:"4,keyasint,omitempty"`
	Rename    *RenamePair `cbor:"5,keyasint,omitempty"`
	DirtyType *int        `cbor:"6,keyasint,omitempty"`
	Time      time.Time   `cbor:"7,keyasint"`
}

// Sink consumes events.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Notify implements Sink.
func (f SinkFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Hub delivers every published event to each subscribed sink.
type Hub struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewHub returns a hub with the given initial sinks.
func NewHub(logger *slog.Logger, sinks ...Sink) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sinks: sinks, logger: logger.With("component", "notify")}
}

// Subscribe adds a sink.
func (h *Hub) Subscribe(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Publish stamps ev and hands it to every sink in subscription order.
// Sink errors are logged and dropped.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Notify(ctx, ev); err != nil {
			h.logger.Warn("notification delivery failed",
				"kind", ev.Kind, "inode", ev.Inode, "error", err)
		}
	}
}

// DirtyTypeOf is a helper for filling Event.DirtyType.
func DirtyTypeOf(v int) *int { return &v }
