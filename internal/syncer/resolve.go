package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
)

// ResolveConflict settles the unresolved conflict for id and returns the
// record as stored afterwards, or nil when the resolution removed it.
//
// KeepRemote adopts the remote state and leaves the record clean. KeepLocal
// and Merge rebase the local intent onto the remote revision and queue it
// for immediate sync. When the remote had deleted the record, KeepLocal and
// Merge recreate it and KeepRemote removes it locally.
func (m *Manager) ResolveConflict(ctx context.Context, id string, res record.Resolution) (*record.Record, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.resolveLocked(ctx, id, res)
}

func (m *Manager) resolveLocked(ctx context.Context, id string, res record.Resolution) (*record.Record, error) {
	conflict, err := m.coll.GetConflict(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoConflict
	}
	if err != nil {
		return nil, fmt.Errorf("load conflict %s: %w", id, err)
	}

	cur, err := m.coll.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if err := m.coll.DeleteConflict(ctx, id); err != nil {
			return nil, fmt.Errorf("drop orphan conflict %s: %w", id, err)
		}
		m.queue.Remove(id)
		return nil, ErrNoConflict
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	now := m.clock.Now()
	intent := conflict.Operation
	enqueuedAt := now
	if task, ok := m.queue.Get(id); ok {
		intent = task.Operation
		enqueuedAt = task.EnqueuedAt
	}

	if res.Kind == record.KeepRemote {
		if conflict.RemoteDeleted() {
			return nil, m.resolveRemoved(ctx, id, res.Kind)
		}
		next := cur.Clone()
		next.Payload = conflict.Remote.Payload.Clone()
		next.Revision = conflict.Remote.Revision
		next.LocalVersion++
		next.UpdatedAt = now
		next.SyncedAt = now
		next.SyncState = record.StateClean
		next.Failure = nil
		if err := m.coll.SettleConflict(ctx, next); err != nil {
			return nil, fmt.Errorf("settle conflict %s: %w", id, err)
		}
		m.queue.Remove(id)
		m.logger.Info("conflict resolved", "id", id, "kind", res.Kind)
		m.emit(Event{Type: EventResolved, RecordID: id, Reason: string(res.Kind), Record: next.Clone()})
		return next, nil
	}

	next := cur.Clone()
	if res.Kind == record.Merge {
		next.Payload = res.Payload.Clone()
	}
	next.LocalVersion++
	next.UpdatedAt = now
	next.Failure = nil

	var op record.Operation
	if conflict.RemoteDeleted() {
		if intent == record.OpDelete && res.Kind == record.KeepLocal {
			return nil, m.resolveRemoved(ctx, id, res.Kind)
		}
		next.Revision = ""
		op = record.OpCreate
	} else {
		next.Revision = conflict.Remote.Revision
		op = record.OpUpdate
		if intent == record.OpDelete && res.Kind == record.KeepLocal {
			op = record.OpDelete
		}
	}
	next.SyncState = op.PendingState()

	if err := m.coll.SettleConflict(ctx, next); err != nil {
		return nil, fmt.Errorf("settle conflict %s: %w", id, err)
	}
	m.queue.Set(record.SyncTask{
		RecordID:    id,
		Operation:   op,
		NextRetryAt: now,
		EnqueuedAt:  enqueuedAt,
	})

	m.logger.Info("conflict resolved", "id", id, "kind", res.Kind, "op", op)
	m.emit(Event{Type: EventResolved, RecordID: id, Operation: op, Reason: string(res.Kind), Record: next.Clone()})
	return next, nil
}

// resolveRemoved drops a record whose resolution agrees with a remote
// deletion.
func (m *Manager) resolveRemoved(ctx context.Context, id string, kind record.ResolutionKind) error {
	if err := m.coll.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	m.queue.Remove(id)
	m.logger.Info("conflict resolved by removal", "id", id, "kind", kind)
	m.emit(Event{Type: EventResolved, RecordID: id, Reason: string(kind)})
	return nil
}
