package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/repository"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncer"
	"github.com/roach88/offsync/internal/testutil"
)

// DefaultCollection is used when a scenario names none.
const DefaultCollection = "records"

// defaultBackoff is jitter-free so retry deadlines are exact.
var defaultBackoff = syncer.Backoff{
	Base:        time.Second,
	Max:         time.Minute,
	Multiplier:  2,
	MaxAttempts: 4,
}

// knownErrorKinds are the values accepted by ExpectClause.Error.
var knownErrorKinds = map[string]bool{
	"none":        true,
	"not_found":   true,
	"unavailable": true,
	"conflicted":  true,
	"no_conflict": true,
	"offline":     true,
	"conflict":    true,
	"transient":   true,
	"rejected":    true,
	"error":       true,
}

// errorKind classifies err for comparison with ExpectClause.Error.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, repository.ErrNotFound):
		return "not_found"
	case errors.Is(err, repository.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, repository.ErrConflicted):
		return "conflicted"
	case errors.Is(err, syncer.ErrNoConflict):
		return "no_conflict"
	case syncer.IsOfflineError(err):
		return "offline"
	case syncer.IsConflictError(err):
		return "conflict"
	case syncer.IsTransientError(err):
		return "transient"
	case syncer.IsRejectedError(err):
		return "rejected"
	default:
		return "error"
	}
}

// Harness executes one scenario against fresh collaborators.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	coll     *store.Collection
	remote   *remote.Memory
	net      *connectivity.Manual
	clock    *testutil.ManualClock
	mgr      *syncer.Manager
	repo     *repository.Repository
	logger   *slog.Logger

	mu     sync.Mutex
	result *Result
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes scenario and evaluates its assertions. The returned error
// reports infrastructure failures; expectation and assertion failures are
// collected in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:   NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.setup(); err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	for _, rec := range scenario.Setup {
		payload, err := record.PayloadOf(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("setup %s: %w", rec.ID, err)
		}
		h.remote.Seed(rec.ID, payload)
	}

	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Do, err)
		}
	}

	for _, msg := range h.evaluateAssertions(ctx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) setup() error {
	name := h.scenario.Collection
	if name == "" {
		name = DefaultCollection
	}
	backoff, err := h.scenario.backoff()
	if err != nil {
		return err
	}
	var freshness time.Duration
	if h.scenario.Freshness != "" {
		freshness, err = time.ParseDuration(h.scenario.Freshness)
		if err != nil {
			return fmt.Errorf("freshness: %w", err)
		}
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return fmt.Errorf("failed to create in-memory store: %w", err)
	}
	h.store = st
	h.coll = st.Collection(name)
	h.remote = remote.NewMemory()
	h.net = connectivity.NewManual(true)
	h.clock = testutil.NewManualClock(testutil.Epoch)

	h.mgr, err = syncer.New(h.coll, h.remote,
		syncer.WithClock(h.clock),
		syncer.WithMonitor(h.net),
		syncer.WithBackoff(backoff),
		syncer.WithWorkers(1),
		syncer.WithRandom(func() float64 { return 0 }),
		syncer.WithIDGenerator(record.NewSequenceGenerator("conflict-")),
		syncer.WithLogger(h.logger),
		syncer.WithObserver(syncer.ObserverFunc(h.onSyncEvent)),
	)
	if err != nil {
		st.Close()
		return err
	}

	h.repo, err = repository.New(h.coll, h.remote, h.mgr,
		repository.WithFreshness(freshness),
		repository.WithIDGenerator(record.NewSequenceGenerator("rec-")),
		repository.WithLogger(h.logger),
	)
	if err != nil {
		h.mgr.Close()
		st.Close()
		return err
	}
	return nil
}

func (h *Harness) close() {
	h.repo.Close()
	h.mgr.Close()
	h.store.Close()
}

func (s *Scenario) backoff() (syncer.Backoff, error) {
	if s.Backoff == nil {
		return defaultBackoff, nil
	}
	base, err := time.ParseDuration(s.Backoff.Base)
	if err != nil {
		return syncer.Backoff{}, fmt.Errorf("backoff.base: %w", err)
	}
	maxDelay, err := time.ParseDuration(s.Backoff.Max)
	if err != nil {
		return syncer.Backoff{}, fmt.Errorf("backoff.max: %w", err)
	}
	b := syncer.Backoff{
		Base:        base,
		Max:         maxDelay,
		Multiplier:  s.Backoff.Multiplier,
		MaxAttempts: s.Backoff.MaxAttempts,
	}
	if err := b.Validate(); err != nil {
		return syncer.Backoff{}, err
	}
	return b, nil
}

func (h *Harness) onSyncEvent(e syncer.Event) {
	ev := TraceEvent{
		Type:      TraceSync,
		Action:    string(e.Type),
		RecordID:  e.RecordID,
		OldID:     e.OldID,
		Operation: string(e.Operation),
		Attempt:   e.Attempt,
		Reason:    e.Reason,
	}
	if e.NextRetryIn > 0 {
		ev.RetryIn = e.NextRetryIn.String()
	}
	if e.Record != nil {
		ev.State = string(e.Record.SyncState)
		ev.Revision = e.Record.Revision
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.add(ev)
}

// executeStep runs one step and checks its expectation. Only failures of
// the harness itself are returned.
func (h *Harness) executeStep(ctx context.Context, index int, step FlowStep) error {
	h.mu.Lock()
	h.result.add(TraceEvent{Type: TraceStep, Action: step.Do, RecordID: step.ID})
	pos := len(h.result.Trace) - 1
	h.mu.Unlock()

	rec, report, err := h.perform(ctx, step)
	outcome := errorKind(err)
	if outcome == "error" && (step.Expect == nil || step.Expect.Error != "error") {
		return err
	}
	if outcome == "none" {
		outcome = "ok"
	}

	h.mu.Lock()
	h.result.Trace[pos].Outcome = outcome
	h.mu.Unlock()

	for _, msg := range checkExpect(step, rec, report, err) {
		h.result.AddError(fmt.Sprintf("flow[%d] %s: %s", index, step.Do, msg))
	}
	return nil
}

// perform runs the step. It returns the record a step produced, if any, and
// the report of a sync pass.
func (h *Harness) perform(ctx context.Context, step FlowStep) (*record.Record, *syncer.SyncReport, error) {
	switch step.Do {
	case StepPut:
		payload, err := record.PayloadOf(step.Payload)
		if err != nil {
			return nil, nil, err
		}
		rec, err := h.repo.Put(ctx, step.ID, payload)
		return rec, nil, err

	case StepDelete:
		return nil, nil, h.repo.Delete(ctx, step.ID)

	case StepGet:
		rec, err := h.repo.Get(ctx, step.ID)
		return rec, nil, err

	case StepPurge:
		return nil, nil, h.repo.Purge(ctx, step.ID)

	case StepRefresh:
		rec, err := h.repo.Refresh(ctx, step.ID)
		return rec, nil, err

	case StepSync:
		report, err := h.repo.Sync(ctx)
		return nil, &report, err

	case StepSyncRecord:
		return nil, nil, h.repo.SyncRecord(ctx, step.ID)

	case StepOffline:
		h.net.Set(false)
		return nil, nil, nil

	case StepOnline:
		h.net.Set(true)
		report, err := h.mgr.OnConnectivityRestored(ctx)
		return nil, &report, err

	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return nil, nil, err
		}
		h.clock.Advance(d)
		return nil, nil, nil

	case StepResolve:
		res := record.Resolution{Kind: record.ResolutionKind(step.Resolution)}
		if step.Resolution == string(record.Merge) {
			payload, err := record.PayloadOf(step.Payload)
			if err != nil {
				return nil, nil, err
			}
			res.Payload = payload
		}
		rec, err := h.repo.Resolve(ctx, step.ID, res)
		return rec, nil, err

	case StepRemotePut:
		payload, err := record.PayloadOf(step.Payload)
		if err != nil {
			return nil, nil, err
		}
		h.remote.Seed(step.ID, payload)
		return nil, nil, nil

	case StepRemoteDelete:
		h.remote.Remove(step.ID)
		return nil, nil, nil

	case StepRemoteFail:
		var cause error
		if step.Reason != "" {
			cause = &remote.RejectedError{Reason: step.Reason}
		}
		h.remote.FailNext(step.Count, cause)
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown step %q", step.Do)
}

func checkExpect(step FlowStep, rec *record.Record, report *syncer.SyncReport, err error) []string {
	want := "none"
	if step.Expect != nil && step.Expect.Error != "" {
		want = step.Expect.Error
	}
	if got := errorKind(err); got != want {
		if err != nil {
			return []string{fmt.Sprintf("expected error %s, got %s (%v)", want, got, err)}
		}
		return []string{fmt.Sprintf("expected error %s, got none", want)}
	}
	if step.Expect == nil {
		return nil
	}

	var msgs []string
	exp := step.Expect
	if exp.SyncState != "" || exp.Payload != nil {
		if rec == nil {
			return append(msgs, "expected a record, got none")
		}
		if exp.SyncState != "" && string(rec.SyncState) != exp.SyncState {
			msgs = append(msgs, fmt.Sprintf("sync_state: expected %s, got %s", exp.SyncState, rec.SyncState))
		}
		if exp.Payload != nil {
			if msg := comparePayload(exp.Payload, rec.Payload); msg != "" {
				msgs = append(msgs, msg)
			}
		}
	}
	if exp.Report != nil {
		if report == nil {
			return append(msgs, "expected a sync report, got none")
		}
		fields := reportFields(*report)
		for key, n := range exp.Report {
			got, ok := fields[key]
			if !ok {
				msgs = append(msgs, fmt.Sprintf("report: unknown field %q", key))
				continue
			}
			if got != n {
				msgs = append(msgs, fmt.Sprintf("report.%s: expected %d, got %d", key, n, got))
			}
		}
	}
	return msgs
}

func reportFields(r syncer.SyncReport) map[string]int {
	deferred := 0
	if r.Deferred {
		deferred = 1
	}
	return map[string]int{
		"deferred":  deferred,
		"attempted": r.Attempted,
		"synced":    r.Synced,
		"conflicts": r.Conflicts,
		"retried":   r.Retried,
		"exhausted": r.Exhausted,
		"rejected":  r.Rejected,
		"removed":   r.Removed,
		"remaining": r.Remaining,
	}
}

func comparePayload(want map[string]any, got record.Payload) string {
	expected, err := record.PayloadOf(want)
	if err != nil {
		return fmt.Sprintf("payload: invalid expectation: %v", err)
	}
	if !expected.Equal(got) {
		return fmt.Sprintf("payload: expected %s, got %s", expected, got)
	}
	return ""
}
