package syncer

import (
	"sync"
	"time"

	"github.com/roach88/offsync/internal/record"
)

// EventType names a sync lifecycle event.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventCoalesced EventType = "coalesced"
	EventCancelled EventType = "cancelled"
	EventSynced    EventType = "synced"
	EventConflict  EventType = "conflict"
	EventRetry     EventType = "retry"
	EventExhausted EventType = "exhausted"
	EventRejected  EventType = "rejected"
	EventRemoved   EventType = "removed"
	EventResolved  EventType = "resolved"
	EventRekeyed   EventType = "rekeyed"
	EventDiscarded EventType = "discarded"
)

// Event reports one state change. Record is the record as stored after the
// change, or nil when it was removed.
type Event struct {
	Seq         int64            `json:"seq"`
	Type        EventType        `json:"type"`
	Collection  string           `json:"collection"`
	RecordID    string           `json:"record_id"`
	OldID       string           `json:"old_id,omitempty"`
	Operation   record.Operation `json:"operation,omitempty"`
	Attempt     int              `json:"attempt,omitempty"`
	NextRetryIn time.Duration    `json:"next_retry_in,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Record      *record.Record   `json:"record,omitempty"`
}

// Observer receives sync events. Events for one record are delivered while
// that record's lock is held, in order; observers must not call back into
// the Manager for the same record.
type Observer interface {
	OnSyncEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnSyncEvent calls f(e).
func (f ObserverFunc) OnSyncEvent(e Event) { f(e) }

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *observers) emit(e Event) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, obs := range list {
		obs.OnSyncEvent(e)
	}
}
