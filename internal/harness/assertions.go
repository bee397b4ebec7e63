package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

// evaluateAssertions checks every assertion and returns the failures.
func (h *Harness) evaluateAssertions(ctx context.Context) []string {
	var failures []string
	for i, a := range h.scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		rec, err := h.coll.Get(ctx, a.ID)
		if errors.Is(err, store.ErrNotFound) {
			return &AssertionError{Type: a.Type, Expected: "record " + a.ID, Actual: "not in local store"}
		}
		if err != nil {
			return err
		}
		return matchFacts(a.Type, recordFacts(rec), a.Expect)

	case AssertRecordMissing:
		rec, err := h.coll.Get(ctx, a.ID)
		if err == nil {
			return &AssertionError{Type: a.Type, Expected: "no record " + a.ID, Actual: "record in state " + string(rec.SyncState)}
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil

	case AssertRemote:
		snap, ok := h.remote.Snapshot(a.ID)
		if !ok {
			return &AssertionError{Type: a.Type, Expected: "remote record " + a.ID, Actual: "not on remote"}
		}
		return matchFacts(a.Type, map[string]any{
			"revision": snap.Revision,
			"payload":  snap.Payload,
		}, a.Expect)

	case AssertRemoteMissing:
		if snap, ok := h.remote.Snapshot(a.ID); ok {
			return &AssertionError{Type: a.Type, Expected: "no remote record " + a.ID, Actual: "revision " + snap.Revision}
		}
		return nil

	case AssertRemoteCalls:
		calls := h.remote.Calls()
		if a.ID != "" {
			calls = h.remote.CallsFor(a.ID)
		}
		got := make([]string, len(calls))
		for i, c := range calls {
			got[i] = string(c.Op)
		}
		if strings.Join(got, ",") != strings.Join(a.Operations, ",") {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Operations), Actual: fmt.Sprint(got)}
		}
		return nil

	case AssertTask:
		task, ok := h.mgr.Task(a.ID)
		if !ok {
			return &AssertionError{Type: a.Type, Expected: "task for " + a.ID, Actual: "none queued"}
		}
		return matchFacts(a.Type, map[string]any{
			"operation":     string(task.Operation),
			"attempts":      task.Attempts,
			"held":          task.Held,
			"next_retry_in": task.NextRetryAt.Sub(h.clock.Now()).String(),
		}, a.Expect)

	case AssertNoTask:
		if task, ok := h.mgr.Task(a.ID); ok {
			return &AssertionError{Type: a.Type, Expected: "no task for " + a.ID, Actual: "queued " + string(task.Operation)}
		}
		return nil

	case AssertConflict:
		conflict, err := h.mgr.Conflict(ctx, a.ID)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: "conflict for " + a.ID, Actual: err.Error()}
		}
		facts := map[string]any{
			"id":             conflict.ID,
			"operation":      string(conflict.Operation),
			"remote_deleted": conflict.RemoteDeleted(),
			"local_payload":  conflict.Local.Payload,
		}
		if conflict.Remote != nil {
			facts["remote_revision"] = conflict.Remote.Revision
			facts["remote_payload"] = conflict.Remote.Payload
		}
		return matchFacts(a.Type, facts, a.Expect)

	case AssertEventCount:
		count := 0
		for _, ev := range h.result.Trace {
			if ev.Type == TraceSync && ev.Action == a.Event && (a.ID == "" || ev.RecordID == a.ID) {
				count++
			}
		}
		if count != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d %s events", a.Count, a.Event),
				Actual:   fmt.Sprintf("%d", count),
			}
		}
		return nil

	case AssertEventOrder:
		return assertEventOrder(h.result.Trace, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertEventOrder checks that the events appear in order, not necessarily
// consecutively.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next == len(a.Events) {
			break
		}
		if ev.Type != TraceSync || (a.ID != "" && ev.RecordID != a.ID) {
			continue
		}
		if ev.Action == a.Events[next] {
			next++
		}
	}
	if next < len(a.Events) {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("events in order %v", a.Events),
			Actual:   fmt.Sprintf("missing %s after %v", a.Events[next], a.Events[:next]),
		}
	}
	return nil
}

func recordFacts(rec *record.Record) map[string]any {
	facts := map[string]any{
		"sync_state":    string(rec.SyncState),
		"revision":      rec.Revision,
		"local_version": rec.LocalVersion,
		"payload":       rec.Payload,
		"failure":       "",
		"exhausted":     false,
		"attempts":      0,
	}
	if rec.Failure != nil {
		facts["failure"] = string(rec.Failure.Code)
		facts["exhausted"] = rec.Failure.Exhausted
		facts["attempts"] = rec.Failure.Attempts
	}
	return facts
}

// matchFacts compares expected fields against actual ones. Payload fields
// compare as canonical JSON, everything else by printed value.
func matchFacts(kind string, facts, expect map[string]any) error {
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, key := range keys {
		want := expect[key]
		got, ok := facts[key]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: unknown field", key))
			continue
		}
		if payload, isPayload := got.(record.Payload); isPayload {
			m, isMap := want.(map[string]any)
			if !isMap {
				mismatches = append(mismatches, fmt.Sprintf("%s: expectation must be a mapping", key))
				continue
			}
			if msg := comparePayload(m, payload); msg != "" {
				mismatches = append(mismatches, key+": "+strings.TrimPrefix(msg, "payload: "))
			}
			continue
		}
		if fmt.Sprint(want) != fmt.Sprint(got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %v, got %v", key, want, got))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{Type: kind, Expected: "matching fields", Actual: strings.Join(mismatches, "; ")}
	}
	return nil
}
