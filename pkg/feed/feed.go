// Package feed defines the change-feed abstraction consumed by the
// projection pipeline: an ordered, resumable stream of change records with
// non-blocking reads and opaque position markers.
package feed

import (
	"context"
	"errors"
	"fmt"
)

// OpKind is the kind of change a record carries.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpUpdate  OpKind = "update"
	OpReplace OpKind = "replace"
	OpDelete  OpKind = "delete"
)

// ParseOpKind validates a configured operation name.
func ParseOpKind(s string) (OpKind, error) {
	switch OpKind(s) {
	case OpInsert, OpUpdate, OpReplace, OpDelete:
		return OpKind(s), nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// Position is an opaque, feed-supplied token identifying a point in the
// change feed, sufficient to resume reading from just after it.
type Position []byte

// Record is one change-feed event. Immutable once read.
type Record struct {
	Op       OpKind
	Payload  []byte
	Position Position
}

// ErrPositionExpired is returned by Source.Open (or Cursor.TryNext) when the
// resume position has fallen out of the feed's retention window. It is
// distinguished from generic connectivity errors so the watcher can clear
// the checkpoint and resume live instead of retrying forever.
var ErrPositionExpired = errors.New("feed: resume position expired")

// Source opens cursors over a change feed.
//
// A nil resume position opens the cursor at the current live position.
// Records whose operation kind is not in ops are skipped (their positions
// are still consumed).
type Source interface {
	Open(ctx context.Context, resume Position, ops []OpKind) (Cursor, error)
}

// Cursor reads records one at a time.
type Cursor interface {
	// TryNext returns the next record without blocking. ok is false when no
	// record is currently available.
	TryNext(ctx context.Context) (rec *Record, ok bool, err error)
	Close() error
}
