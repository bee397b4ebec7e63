package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/offsync/internal/record"
)

// Call is one entry in Memory's call log.
type Call struct {
	Op               record.Operation `json:"op"`
	ID               string           `json:"id"`
	Payload          record.Payload   `json:"payload,omitempty"`
	ExpectedRevision string           `json:"expected_revision,omitempty"`
}

// Validator returns a non-empty reason to reject a payload.
type Validator func(id string, payload record.Payload) string

// CallHook runs before each Create, Update or Delete is applied. Returning an
// error fails the call with that error. Hooks may block, which is how tests
// hold a call in flight.
type CallHook func(ctx context.Context, call Call) error

type memEntry struct {
	payload  record.Payload
	revision string
}

// Memory is an in-process revisioned Source. It backs the reference HTTP
// server and serves as the remote double in tests.
type Memory struct {
	mu        sync.Mutex
	records   map[string]*memEntry
	revs      map[string]int
	calls     []Call
	fails     []error
	down      bool
	validator Validator
	hook      CallHook
	ids       record.IDGenerator
}

// MemoryOption configures a Memory source.
type MemoryOption func(*Memory)

// WithValidator rejects payloads for which v returns a reason.
func WithValidator(v Validator) MemoryOption {
	return func(m *Memory) {
		m.validator = v
	}
}

// WithCallHook installs a hook that runs before every mutation.
func WithCallHook(h CallHook) MemoryOption {
	return func(m *Memory) {
		m.hook = h
	}
}

// WithServerIDs makes Create ignore the client id and assign one from gen.
func WithServerIDs(gen record.IDGenerator) MemoryOption {
	return func(m *Memory) {
		m.ids = gen
	}
}

// NewMemory creates an empty in-memory source.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[string]*memEntry),
		revs:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// nextRevision issues a token never used before for id, even across deletes.
// Callers hold m.mu.
func (m *Memory) nextRevision(id string) string {
	m.revs[id]++
	return fmt.Sprintf("r%d", m.revs[id])
}

func (m *Memory) snapshotLocked(id string) *record.Snapshot {
	e, ok := m.records[id]
	if !ok {
		return nil
	}
	return &record.Snapshot{ID: id, Payload: e.payload.Clone(), Revision: e.revision}
}

// begin logs the call, applies injected faults and runs the hook. The hook
// runs without m.mu held.
func (m *Memory) begin(ctx context.Context, call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	if m.down {
		m.mu.Unlock()
		return ErrUnreachable
	}
	if len(m.fails) > 0 {
		err := m.fails[0]
		m.fails = m.fails[1:]
		m.mu.Unlock()
		return err
	}
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return Unreachable(err)
	}
	return nil
}

// Fetch implements Source. Fetches are not logged as calls.
func (m *Memory) Fetch(ctx context.Context, id string) (*record.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unreachable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return nil, ErrUnreachable
	}
	snap := m.snapshotLocked(id)
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Create implements Source. Re-creating an id with an identical payload is
// idempotent and returns the existing revision, so a retried create whose
// response was lost does not conflict with itself.
func (m *Memory) Create(ctx context.Context, id string, payload record.Payload) (Ack, error) {
	if err := m.begin(ctx, Call{Op: record.OpCreate, ID: id, Payload: payload.Clone()}); err != nil {
		return Ack{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.validator != nil {
		if reason := m.validator(id, payload); reason != "" {
			return Ack{}, &RejectedError{Reason: reason}
		}
	}

	if m.ids != nil {
		id = m.ids.Generate()
	}
	if id == "" {
		return Ack{}, &RejectedError{Reason: "id is required"}
	}

	if existing, ok := m.records[id]; ok {
		if existing.payload.Equal(payload) {
			return Ack{ID: id, Revision: existing.revision}, nil
		}
		return Ack{}, &ConflictError{Current: m.snapshotLocked(id)}
	}

	rev := m.nextRevision(id)
	m.records[id] = &memEntry{payload: payload.Clone(), revision: rev}
	return Ack{ID: id, Revision: rev}, nil
}

// Update implements Source.
func (m *Memory) Update(ctx context.Context, id string, payload record.Payload, expectedRevision string) (string, error) {
	call := Call{Op: record.OpUpdate, ID: id, Payload: payload.Clone(), ExpectedRevision: expectedRevision}
	if err := m.begin(ctx, call); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[id]
	if !ok {
		return "", ErrNotFound
	}
	if existing.revision != expectedRevision {
		return "", &ConflictError{Current: m.snapshotLocked(id)}
	}
	if m.validator != nil {
		if reason := m.validator(id, payload); reason != "" {
			return "", &RejectedError{Reason: reason}
		}
	}

	existing.payload = payload.Clone()
	existing.revision = m.nextRevision(id)
	return existing.revision, nil
}

// Delete implements Source.
func (m *Memory) Delete(ctx context.Context, id string, expectedRevision string) error {
	if err := m.begin(ctx, Call{Op: record.OpDelete, ID: id, ExpectedRevision: expectedRevision}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if existing.revision != expectedRevision {
		return &ConflictError{Current: m.snapshotLocked(id)}
	}
	delete(m.records, id)
	return nil
}

// Seed stores a record directly, as if another client had created or
// updated it, and returns its new revision.
func (m *Memory) Seed(id string, payload record.Payload) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rev := m.nextRevision(id)
	m.records[id] = &memEntry{payload: payload.Clone(), revision: rev}
	return rev
}

// Remove deletes a record directly, as if another client had deleted it.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

// Snapshot returns the stored state without logging a call.
func (m *Memory) Snapshot(id string) (*record.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshotLocked(id)
	return snap, snap != nil
}

// IDs returns the stored ids in order.
func (m *Memory) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetReachable toggles whether calls succeed. Unreachable calls are still
// logged so tests can count attempts.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !ok
}

// Reachable reports whether calls currently succeed.
func (m *Memory) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// FailNext makes the next n mutation calls fail with err (ErrUnreachable
// when err is nil).
func (m *Memory) FailNext(n int, err error) {
	if err == nil {
		err = ErrUnreachable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.fails = append(m.fails, err)
	}
}

// SetValidator replaces the payload validator.
func (m *Memory) SetValidator(v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validator = v
}

// Calls returns a copy of the mutation call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the logged calls targeting id.
func (m *Memory) CallsFor(id string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.ID == id {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Hub holds one Memory source per collection. It is what the reference
// server serves.
type Hub struct {
	mu          sync.Mutex
	collections map[string]*Memory
	opts        []MemoryOption
}

// NewHub creates a hub whose collections are created on first use with opts.
func NewHub(opts ...MemoryOption) *Hub {
	return &Hub{collections: make(map[string]*Memory), opts: opts}
}

// Collection returns the source for name, creating it if needed.
func (h *Hub) Collection(name string) *Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.collections[name]
	if !ok {
		m = NewMemory(h.opts...)
		h.collections[name] = m
	}
	return m
}

// errUnknownOp guards exhaustive switches over record.Operation.
var errUnknownOp = errors.New("remote: unknown operation")

// Apply dispatches op against src. It is the single place that maps an
// operation kind to a Source method.
func Apply(ctx context.Context, src Source, op record.Operation, id string, payload record.Payload, expectedRevision string) (Ack, error) {
	switch op {
	case record.OpCreate:
		return src.Create(ctx, id, payload)
	case record.OpUpdate:
		rev, err := src.Update(ctx, id, payload, expectedRevision)
		if err != nil {
			return Ack{}, err
		}
		return Ack{ID: id, Revision: rev}, nil
	case record.OpDelete:
		if err := src.Delete(ctx, id, expectedRevision); err != nil {
			return Ack{}, err
		}
		return Ack{ID: id}, nil
	default:
		return Ack{}, fmt.Errorf("%w: %q", errUnknownOp, op)
	}
}
