// Package sink holds record consumers that leave the process: an append-only
// JSON lines log and a NATS publisher.
package sink

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/yairfalse/procwatch/internal/probe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is the JSON form of a record. Type holds the one letter kind code
// ("E", "X" or "K"). KillPID is only set for kills.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	PID       uint32    `json:"pid"`
	PPID      uint32    `json:"ppid"`
	UID       uint32    `json:"uid"`
	Comm      string    `json:"comm"`
	KillPID   *uint32   `json:"kill_pid,omitempty"`
}

// NewEvent converts rec observed at ts.
func NewEvent(rec probe.Record, ts time.Time) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Type:      string(rune(rec.Kind)),
		PID:       rec.PID,
		PPID:      rec.PPID,
		UID:       rec.UID,
		Comm:      rec.Command(),
	}
	if rec.Kind == probe.KindKill {
		target := rec.KillTarget
		ev.KillPID = &target
	}
	return ev
}

// IsKill reports whether the event is a successful kill.
func (e Event) IsKill() bool {
	return e.Type == string(rune(probe.KindKill))
}
