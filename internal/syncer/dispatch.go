package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Deferred  bool `json:"deferred,omitempty"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Conflicts int  `json:"conflicts"`
	Retried   int  `json:"retried"`
	Exhausted int  `json:"exhausted"`
	Rejected  int  `json:"rejected"`
	Removed   int  `json:"removed"`
	Remaining int  `json:"remaining"`
}

type resultKind int

const (
	resultSkipped resultKind = iota
	resultSynced
	resultConflict
	resultRetry
	resultExhausted
	resultRejected
	resultRemoved
	resultDiscarded
)

// dispatchResult is the outcome of one dispatch. err carries the remote
// failure for retry, rejection and conflict outcomes.
type dispatchResult struct {
	kind resultKind
	id   string
	err  error
}

// dispatchSnapshot is the record state sent to the remote. Completions
// compare against it to detect local writes made while the call was in
// flight.
type dispatchSnapshot struct {
	op           record.Operation
	payload      record.Payload
	revision     string
	localVersion int64
}

func (r *SyncReport) add(res dispatchResult) {
	if res.kind == resultSkipped {
		return
	}
	r.Attempted++
	switch res.kind {
	case resultSynced:
		r.Synced++
	case resultConflict:
		r.Conflicts++
	case resultRetry:
		r.Retried++
	case resultExhausted:
		r.Retried++
		r.Exhausted++
	case resultRejected:
		r.Rejected++
	case resultRemoved, resultDiscarded:
		r.Removed++
	}
}

// RunPendingSync dispatches every due task once, with at most the configured
// number of remote calls in flight. While offline it does nothing and
// reports Deferred. Failures are recorded on the affected records; the
// returned error is non-nil only for local storage failures or ctx
// cancellation.
func (m *Manager) RunPendingSync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if !m.monitor.IsOnline() {
		report.Deferred = true
		report.Remaining = m.queue.Len()
		return report, nil
	}

	due := m.queue.Due(m.clock.Now())
	if len(due) == 0 {
		report.Remaining = m.queue.Len()
		return report, nil
	}
	m.logger.Debug("sync pass started", "due", len(due))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, id := range due {
		g.Go(func() error {
			if !m.monitor.IsOnline() {
				return nil
			}
			res, err := m.syncOne(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			report.add(res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	report.Remaining = m.queue.Len()

	m.logger.Info("sync pass finished",
		"attempted", report.Attempted,
		"synced", report.Synced,
		"conflicts", report.Conflicts,
		"retried", report.Retried,
		"rejected", report.Rejected,
		"removed", report.Removed,
		"remaining", report.Remaining,
	)
	if err != nil {
		return report, fmt.Errorf("sync pass: %w", err)
	}
	return report, nil
}

// OnConnectivityRestored makes every non-held task due immediately and runs
// a sync pass. Attempt counts are kept.
func (m *Manager) OnConnectivityRestored(ctx context.Context) (SyncReport, error) {
	n := m.queue.MakeDue(m.clock.Now())
	m.logger.Info("connectivity restored", "tasks", n)
	return m.RunPendingSync(ctx)
}

// SyncRecord syncs one record now, ignoring its retry schedule. It returns
// nil when the record settled or had nothing to sync, and a *SyncError
// describing why it did not settle otherwise.
func (m *Manager) SyncRecord(ctx context.Context, id string) error {
	if !m.monitor.IsOnline() {
		return &SyncError{Code: CodeOffline, RecordID: id, Message: "sync deferred while offline"}
	}

	unlock := m.locks.Lock(id)
	task, ok := m.queue.Get(id)
	if !ok {
		unlock()
		return nil
	}
	if task.Held {
		unlock()
		return &SyncError{Code: CodeConflict, RecordID: id, Message: "record has an unresolved conflict"}
	}
	task.NextRetryAt = m.clock.Now()
	m.queue.Set(task)
	unlock()

	res, err := m.syncOne(ctx, id)
	if err != nil {
		return err
	}
	switch res.kind {
	case resultConflict:
		return &SyncError{Code: CodeConflict, RecordID: res.id, Message: "revision conflict", Err: res.err}
	case resultRetry, resultExhausted:
		return &SyncError{Code: CodeTransient, RecordID: res.id, Message: "remote unavailable", Err: res.err}
	case resultRejected:
		return &SyncError{Code: CodeRejected, RecordID: res.id, Message: "remote rejected change", Err: res.err}
	case resultSkipped:
		if m.queue.InFlight(id) {
			return &SyncError{Code: CodeTransient, RecordID: id, Message: "sync already in flight"}
		}
	}
	return nil
}

// syncOne dispatches the task for id if it is due and not in flight.
func (m *Manager) syncOne(ctx context.Context, id string) (dispatchResult, error) {
	skipped := dispatchResult{kind: resultSkipped, id: id}

	unlock := m.locks.Lock(id)
	task, ok := m.queue.Get(id)
	if !ok || !task.Due(m.clock.Now()) || m.queue.InFlight(id) {
		unlock()
		return skipped, nil
	}

	rec, err := m.coll.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		m.queue.Remove(id)
		unlock()
		return skipped, nil
	}
	if err != nil {
		unlock()
		return skipped, fmt.Errorf("load %s: %w", id, err)
	}

	if task.Operation == record.OpDelete && rec.NeverSynced() {
		res, err := m.purge(ctx, id, task.Operation)
		unlock()
		return res, err
	}

	snap := dispatchSnapshot{
		op:           task.Operation,
		payload:      rec.Payload.Clone(),
		revision:     rec.Revision,
		localVersion: rec.LocalVersion,
	}
	m.queue.Begin(id)
	unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	ack, callErr := remote.Apply(callCtx, m.src, snap.op, id, snap.payload, snap.revision)
	cancel()

	unlock = m.locks.Lock(id)
	defer unlock()

	res, finalID, err := m.complete(ctx, id, snap, ack, callErr)
	m.queue.End(finalID)
	return res, err
}

// complete applies the outcome of a remote call. It returns the record's id
// after completion, which differs from id when the remote assigned a new one.
func (m *Manager) complete(ctx context.Context, id string, snap dispatchSnapshot, ack remote.Ack, callErr error) (dispatchResult, string, error) {
	if callErr != nil && ctx.Err() != nil {
		// Shutting down: leave the task as it was for the next process.
		return dispatchResult{kind: resultSkipped, id: id}, id, ctx.Err()
	}
	// The remote has answered; its outcome is recorded even if the caller
	// gives up now, or the next pass would resend an accepted change.
	ctx = context.WithoutCancel(ctx)

	cur, err := m.coll.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		m.queue.Remove(id)
		if callErr == nil && snap.op != record.OpDelete {
			m.logger.Warn("record purged locally while sync was in flight", "id", id, "op", snap.op)
		}
		m.emit(Event{Type: EventDiscarded, RecordID: id, Operation: snap.op})
		return dispatchResult{kind: resultDiscarded, id: id}, id, nil
	}
	if err != nil {
		return dispatchResult{kind: resultSkipped, id: id}, id, fmt.Errorf("reload %s: %w", id, err)
	}

	task, ok := m.queue.Get(id)
	if !ok {
		op, pending := cur.SyncState.Operation()
		if !pending {
			op = snap.op
		}
		now := m.clock.Now()
		task = record.SyncTask{RecordID: id, Operation: op, NextRetryAt: now, EnqueuedAt: now}
	}
	changed := cur.LocalVersion != snap.localVersion

	if callErr == nil {
		return m.applySuccess(ctx, cur, task, snap, ack, changed)
	}
	if ce, ok := remote.IsConflict(callErr); ok {
		res, err := m.applyConflict(ctx, cur, task, ce.Current, callErr)
		return res, id, err
	}
	if errors.Is(callErr, remote.ErrNotFound) {
		switch snap.op {
		case record.OpDelete:
			return m.applySuccess(ctx, cur, task, snap, ack, changed)
		case record.OpUpdate:
			res, err := m.applyConflict(ctx, cur, task, nil, callErr)
			return res, id, err
		}
	}
	if re, ok := remote.IsRejected(callErr); ok {
		res, err := m.applyRejected(ctx, cur, task, re.Reason, changed, callErr)
		return res, id, err
	}
	res, err := m.applyTransient(ctx, cur, task, callErr)
	return res, id, err
}

func (m *Manager) applySuccess(ctx context.Context, cur *record.Record, task record.SyncTask, snap dispatchSnapshot, ack remote.Ack, changed bool) (dispatchResult, string, error) {
	now := m.clock.Now()
	id := cur.ID

	if snap.op == record.OpDelete {
		if !changed || cur.Tombstoned() {
			res, err := m.purge(ctx, id, snap.op)
			return res, id, err
		}
		// Written again while the delete was in flight: the remote copy is
		// gone, so the newer local state must be created anew.
		next := cur.Clone()
		next.Revision = ""
		next.SyncedAt = time.Time{}
		next.SyncState = record.StatePendingCreate
		next.Failure = nil
		if err := m.coll.Put(ctx, next); err != nil {
			return dispatchResult{kind: resultSkipped, id: id}, id, fmt.Errorf("store %s: %w", id, err)
		}
		task.Operation = record.OpCreate
		task.Attempts = 0
		task.NextRetryAt = now
		m.queue.Set(task)
		m.logger.Debug("record recreated after remote delete", "id", id)
		m.emit(Event{Type: EventSynced, RecordID: id, Operation: snap.op, Record: next.Clone()})
		return dispatchResult{kind: resultSynced, id: id}, id, nil
	}

	finalID := id
	if snap.op == record.OpCreate && ack.ID != "" && ack.ID != id {
		if err := m.coll.Rekey(ctx, id, ack.ID); err != nil {
			return dispatchResult{kind: resultSkipped, id: id}, id, fmt.Errorf("rekey %s to %s: %w", id, ack.ID, err)
		}
		m.queue.Rekey(id, ack.ID)
		finalID = ack.ID
		task.RecordID = finalID
		m.logger.Info("record rekeyed to server id", "old_id", id, "id", finalID)
		m.emit(Event{Type: EventRekeyed, RecordID: finalID, OldID: id, Operation: snap.op})
	}

	next := cur.Clone()
	next.ID = finalID
	next.Revision = ack.Revision
	next.SyncedAt = now
	next.Failure = nil

	settled := !changed && task.Operation == snap.op
	if settled {
		next.SyncState = record.StateClean
	} else {
		op := task.Operation
		if op == record.OpCreate {
			op = record.OpUpdate
		}
		next.SyncState = op.PendingState()
		task.Operation = op
		task.Attempts = 0
		task.NextRetryAt = now
		task.Held = false
	}

	if err := m.coll.Put(ctx, next); err != nil {
		return dispatchResult{kind: resultSkipped, id: finalID}, finalID, fmt.Errorf("store %s: %w", finalID, err)
	}
	if settled {
		m.queue.Remove(finalID)
	} else {
		m.queue.Set(task)
	}

	m.logger.Debug("record synced", "id", finalID, "op", snap.op, "revision", next.Revision, "settled", settled)
	m.emit(Event{Type: EventSynced, RecordID: finalID, Operation: snap.op, Record: next.Clone()})
	return dispatchResult{kind: resultSynced, id: finalID}, finalID, nil
}

// purge removes a record whose deletion needs no further remote work.
func (m *Manager) purge(ctx context.Context, id string, op record.Operation) (dispatchResult, error) {
	if err := m.coll.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return dispatchResult{kind: resultSkipped, id: id}, fmt.Errorf("purge %s: %w", id, err)
	}
	m.queue.Remove(id)
	m.logger.Debug("record removed", "id", id)
	m.emit(Event{Type: EventRemoved, RecordID: id, Operation: op})
	return dispatchResult{kind: resultRemoved, id: id}, nil
}

func (m *Manager) applyConflict(ctx context.Context, cur *record.Record, task record.SyncTask, current *record.Snapshot, callErr error) (dispatchResult, error) {
	now := m.clock.Now()
	id := cur.ID

	conflict := &record.ConflictRecord{
		ID:         m.ids.Generate(),
		RecordID:   id,
		Operation:  task.Operation,
		Local:      cur.Clone(),
		Remote:     current,
		DetectedAt: now,
	}
	next := cur.Clone()
	next.SyncState = record.StateConflicted
	next.Failure = &record.Failure{
		Code:     record.FailureConflict,
		Reason:   callErr.Error(),
		Attempts: task.Attempts + 1,
		At:       now,
	}
	if err := m.coll.SaveConflict(ctx, next, conflict); err != nil {
		return dispatchResult{kind: resultSkipped, id: id}, fmt.Errorf("save conflict %s: %w", id, err)
	}
	task.Held = true
	m.queue.Set(task)

	remoteRev := ""
	if current != nil {
		remoteRev = current.Revision
	}
	m.logger.Warn("sync conflict",
		"id", id,
		"op", task.Operation,
		"local_revision", cur.Revision,
		"remote_revision", remoteRev,
		"remote_deleted", current == nil,
	)
	m.emit(Event{Type: EventConflict, RecordID: id, Operation: task.Operation, Reason: callErr.Error(), Record: next.Clone()})

	if m.resolver != nil {
		if res, ok := m.resolver.Resolve(ctx, conflict); ok {
			if _, err := m.resolveLocked(ctx, id, res); err != nil {
				m.logger.Error("automatic conflict resolution failed", "id", id, "kind", res.Kind, "error", err)
			}
		}
	}
	return dispatchResult{kind: resultConflict, id: id, err: callErr}, nil
}

func (m *Manager) applyRejected(ctx context.Context, cur *record.Record, task record.SyncTask, reason string, changed bool, callErr error) (dispatchResult, error) {
	now := m.clock.Now()
	id := cur.ID

	next := cur.Clone()
	next.Failure = &record.Failure{
		Code:     record.FailureRejected,
		Reason:   reason,
		Attempts: task.Attempts + 1,
		At:       now,
	}
	if !changed {
		// Nothing newer to send; the local value stays, marked rejected.
		next.SyncState = record.StateClean
	}
	if err := m.coll.Put(ctx, next); err != nil {
		return dispatchResult{kind: resultSkipped, id: id}, fmt.Errorf("store %s: %w", id, err)
	}
	if changed {
		task.Attempts = 0
		task.NextRetryAt = now
		m.queue.Set(task)
	} else {
		m.queue.Remove(id)
	}

	m.logger.Warn("remote rejected change", "id", id, "op", task.Operation, "reason", reason)
	m.emit(Event{Type: EventRejected, RecordID: id, Operation: task.Operation, Reason: reason, Record: next.Clone()})
	return dispatchResult{kind: resultRejected, id: id, err: callErr}, nil
}

func (m *Manager) applyTransient(ctx context.Context, cur *record.Record, task record.SyncTask, callErr error) (dispatchResult, error) {
	now := m.clock.Now()
	id := cur.ID

	attempt := task.Attempts + 1
	exhausted := m.backoff.Exhausted(attempt)
	delay := m.backoff.Max
	if !exhausted {
		delay = m.backoff.Delay(attempt, m.random())
	}
	task.Attempts = attempt
	task.NextRetryAt = now.Add(delay)

	next := cur.Clone()
	next.Failure = &record.Failure{
		Code:      record.FailureTransient,
		Reason:    callErr.Error(),
		Attempts:  attempt,
		At:        now,
		Exhausted: exhausted,
	}
	if err := m.coll.Put(ctx, next); err != nil {
		return dispatchResult{kind: resultSkipped, id: id}, fmt.Errorf("store %s: %w", id, err)
	}
	m.queue.Set(task)

	ev := Event{
		Type:        EventRetry,
		RecordID:    id,
		Operation:   task.Operation,
		Attempt:     attempt,
		NextRetryIn: delay,
		Reason:      callErr.Error(),
		Record:      next.Clone(),
	}
	if exhausted {
		ev.Type = EventExhausted
		m.logger.Error("sync retries exhausted",
			"id", id,
			"op", task.Operation,
			"attempts", attempt,
			"next_retry_in", delay,
			"error", callErr,
		)
		m.emit(ev)
		return dispatchResult{kind: resultExhausted, id: id, err: callErr}, nil
	}

	m.logger.Debug("sync failed, retry scheduled", "id", id, "attempt", attempt, "next_retry_in", delay, "error", callErr)
	m.emit(ev)
	return dispatchResult{kind: resultRetry, id: id, err: callErr}, nil
}
