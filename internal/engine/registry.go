// Package engine owns the session registry and the framer poll loop.
// The registry exclusively owns sessions; application handlers refer to
// them only by their opaque id, which breaks the session-publication-
// handler reference cycle.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/renanleonellocastro/artio/internal/session"
)

// PolledSession is the protocol-independent view the registry drives.
// Both fixp.Session and ilink3.Session satisfy it.
type PolledSession interface {
	// ID returns the registry-assigned session id.
	ID() session.ID

	// Key returns the logical session identity.
	Key() session.CompositeKey

	// HostProfile names the market-segment host; empty for FIX.
	HostProfile() string

	// StateName is the current state for monitoring.
	StateName() string

	// Poll advances timers and flushes pending work.
	Poll(nowMs int64) int

	// OnFrame processes one complete inbound frame.
	OnFrame(nowMs int64, buf []byte) error

	// RequestShutdown starts a graceful logout/terminate.
	RequestShutdown(nowMs int64)

	// OnTransportDisconnect records an abrupt transport loss.
	OnTransportDisconnect()

	// Terminal reports whether the session reached its final state.
	Terminal() bool
}

// bindKey scopes duplicate-connection rejection: an ILink3 session may
// coexist with another one for the same composite key on a different
// market-segment host.
type bindKey struct {
	key         session.CompositeKey
	hostProfile string
}

// entry tracks one owned session and its bound connection.
type entry struct {
	sess   PolledSession
	connID int64
	bound  bool
}

// SessionSnapshot is a read-only monitoring view of one session.
type SessionSnapshot struct {
	ID          session.ID
	Key         session.CompositeKey
	HostProfile string
	State       string
	ConnID      int64
	Bound       bool
}

// Registry maps composite keys and connection ids to sessions. Mutation
// happens on the framer goroutine; the lock exists for snapshot readers
// on other goroutines.
type Registry struct {
	mu sync.RWMutex

	byKey  map[bindKey]*entry
	byConn map[int64]*entry
	order  []*entry

	// keyIDs preserves the dense session id for a key across
	// reconnections, so handlers see a stable handle.
	keyIDs map[bindKey]session.ID
	nextID session.ID

	metrics session.MetricsReporter
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics session.MetricsReporter, logger *slog.Logger) *Registry {
	if metrics == nil {
		metrics = session.NoopMetrics{}
	}
	return &Registry{
		byKey:   make(map[bindKey]*entry),
		byConn:  make(map[int64]*entry),
		keyIDs:  make(map[bindKey]session.ID),
		metrics: metrics,
		logger:  logger.With(slog.String("component", "registry")),
	}
}

// AllocateID returns the stable session id for a key, assigning a fresh
// dense one on first sight. Factories call this before constructing the
// session so the id survives reconnections.
func (r *Registry) AllocateID(key session.CompositeKey, hostProfile string) session.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	bk := bindKey{key: key, hostProfile: hostProfile}
	if id, ok := r.keyIDs[bk]; ok {
		return id
	}
	r.nextID++
	r.keyIDs[bk] = r.nextID
	return r.nextID
}

// LookupOrCreate returns the live session for (key, hostProfile),
// creating one via factory when none exists. The second return reports
// whether a new session was created.
func (r *Registry) LookupOrCreate(
	key session.CompositeKey,
	hostProfile string,
	factory func(id session.ID) (PolledSession, error),
) (PolledSession, bool, error) {
	bk := bindKey{key: key, hostProfile: hostProfile}

	r.mu.RLock()
	e, ok := r.byKey[bk]
	r.mu.RUnlock()
	if ok && !e.sess.Terminal() {
		return e.sess, false, nil
	}

	id := r.AllocateID(key, hostProfile)
	sess, err := factory(id)
	if err != nil {
		return nil, false, fmt.Errorf("create session %s: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ne := &entry{sess: sess}
	r.byKey[bk] = ne
	r.order = append(r.order, ne)
	r.metrics.SetActiveSessions(len(r.order))
	r.logger.Info("session created",
		slog.String("key", key.String()),
		slog.String("host_profile", hostProfile),
		slog.Int64("id", int64(id)),
	)
	return sess, true, nil
}

// Bind associates a connection id with a session. A second bind for the
// same (key, hostProfile) while the first session is live fails with
// ErrDuplicateConnection and leaves the live session untouched.
func (r *Registry) Bind(connID int64, sess PolledSession) error {
	bk := bindKey{key: sess.Key(), hostProfile: sess.HostProfile()}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[bk]
	if !ok || e.sess != sess {
		return fmt.Errorf("bind %s: %w", sess.Key(), session.ErrUnknownSession)
	}
	if e.bound && !e.sess.Terminal() {
		return fmt.Errorf("key %s host %q already bound: %w",
			sess.Key(), sess.HostProfile(), session.ErrDuplicateConnection)
	}
	e.connID = connID
	e.bound = true
	r.byConn[connID] = e
	return nil
}

// Route delivers one inbound frame to the session bound to connID.
func (r *Registry) Route(connID int64, nowMs int64, frame []byte) error {
	r.mu.RLock()
	e, ok := r.byConn[connID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %d: %w", connID, session.ErrUnknownSession)
	}
	return e.sess.OnFrame(nowMs, frame)
}

// OnTransportDisconnect reports an abrupt connection loss to the bound
// session and removes the binding.
func (r *Registry) OnTransportDisconnect(connID int64) {
	r.mu.Lock()
	e, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		e.bound = false
	}
	r.mu.Unlock()
	if ok {
		e.sess.OnTransportDisconnect()
	}
}

// PollAll polls every owned session and reaps the ones that went
// terminal. Returns the aggregate progress count.
func (r *Registry) PollAll(nowMs int64) int {
	work := 0
	var dead []*entry

	r.mu.RLock()
	live := make([]*entry, len(r.order))
	copy(live, r.order)
	r.mu.RUnlock()

	for _, e := range live {
		work += e.sess.Poll(nowMs)
		if e.sess.Terminal() {
			dead = append(dead, e)
		}
	}
	if len(dead) > 0 {
		r.reap(dead)
		work += len(dead)
	}
	return work
}

// reap removes terminal sessions from the maps. Their key→id mapping is
// retained for reconnection.
func (r *Registry) reap(dead []*entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range dead {
		bk := bindKey{key: e.sess.Key(), hostProfile: e.sess.HostProfile()}
		if cur, ok := r.byKey[bk]; ok && cur == e {
			delete(r.byKey, bk)
		}
		if e.bound {
			delete(r.byConn, e.connID)
		}
		for i, o := range r.order {
			if o == e {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.logger.Info("session reaped",
			slog.String("key", e.sess.Key().String()),
			slog.Int64("id", int64(e.sess.ID())),
		)
	}
	r.metrics.SetActiveSessions(len(r.order))
}

// DrainAll asks every live session to shut down gracefully.
func (r *Registry) DrainAll(nowMs int64) {
	r.mu.RLock()
	live := make([]*entry, len(r.order))
	copy(live, r.order)
	r.mu.RUnlock()
	for _, e := range live {
		e.sess.RequestShutdown(nowMs)
	}
}

// ForceDisconnectAll drops every remaining session as if its transport
// failed. Used when the shutdown drain times out.
func (r *Registry) ForceDisconnectAll() {
	r.mu.RLock()
	live := make([]*entry, len(r.order))
	copy(live, r.order)
	r.mu.RUnlock()
	for _, e := range live {
		e.sess.OnTransportDisconnect()
	}
}

// Len returns the number of owned sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshots returns a monitoring view of every owned session.
func (r *Registry) Snapshots() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionSnapshot, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, SessionSnapshot{
			ID:          e.sess.ID(),
			Key:         e.sess.Key(),
			HostProfile: e.sess.HostProfile(),
			State:       e.sess.StateName(),
			ConnID:      e.connID,
			Bound:       e.bound,
		})
	}
	return out
}
