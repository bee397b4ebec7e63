// Package connectivity reports remote reachability and notifies subscribers
// when it changes.
package connectivity

import (
	"sort"
	"sync"
	"time"
)

// Transition is a reachability change.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// WentOnline reports whether this is an offline to online transition.
func (t Transition) WentOnline() bool { return t.Online }

// WentOffline reports whether this is an online to offline transition.
func (t Transition) WentOffline() bool { return !t.Online }

// Monitor is the Connectivity Monitor contract.
type Monitor interface {
	IsOnline() bool

	// Subscribe registers fn for transitions and returns a function that
	// removes it. fn runs on the goroutine that observed the change.
	Subscribe(fn func(Transition)) (unsubscribe func())
}

// notifier holds reachability state and subscribers. Only real changes are
// delivered.
type notifier struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(Transition)
	now    func() time.Time
}

func newNotifier(online bool) notifier {
	return notifier{online: online, subs: make(map[int]func(Transition)), now: time.Now}
}

func (n *notifier) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Subscribe(fn func(Transition)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
		})
	}
}

// set updates state and notifies subscribers in subscription order outside
// the lock. It reports whether the state changed.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	t := Transition{Online: online, At: n.now()}

	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Transition), len(ids))
	for i, id := range ids {
		fns[i] = n.subs[id]
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
	return true
}

// Manual is a Monitor whose state is set explicitly, by tests, the CLI, or a
// platform callback.
type Manual struct {
	notifier
}

// NewManual creates a Manual monitor in the given state.
func NewManual(online bool) *Manual {
	return &Manual{notifier: newNotifier(online)}
}

// Set changes reachability, notifying subscribers on a real change.
func (m *Manual) Set(online bool) bool {
	return m.set(online)
}

// AlwaysOnline is a Monitor that never goes offline.
type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline() bool                    { return true }
func (AlwaysOnline) Subscribe(func(Transition)) func() { return func() {} }
