// Package audit records data-quality findings of the refresh cycle:
// REST/stream disagreements, complement mismatches and net book diffs.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindPublicCrossCheck Kind = "public_cross_check"
	KindHouseCrossCheck  Kind = "house_cross_check"
	KindComplement       Kind = "complement_mismatch"
	KindNetDiff          Kind = "net_diff"
	KindNegativeNet      Kind = "negative_net"
)

// Entry is one recorded finding. Detail is stored as JSON.
type Entry struct {
	ConditionID string
	Kind        Kind
	Detail      any
	At          time.Time
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Row is a stored entry as read back.
type Row struct {
	ID          int64
	ConditionID string
	Kind        Kind
	Detail      json.RawMessage
	RecordedAt  time.Time
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
