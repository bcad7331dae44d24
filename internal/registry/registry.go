// Package registry is the authoritative in-process map of user → live
// connections and the sole writer of online/offline presence transitions.
package registry

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/velora-app/realtime/internal/wire"
)

var log = logging.Logger("registry")

// Conn is the transport handle the registry fans events out to. A Send error
// marks the connection dead; the registry removes it lazily and closes it.
type Conn interface {
	UserID() string
	Send(ev wire.Event) error
	Close()
}

// Presence is the slice of the presence store the registry writes through.
type Presence interface {
	SetOnline(ctx context.Context, userID string)
	SetOffline(ctx context.Context, userID string)
	IsOnline(ctx context.Context, userID string) bool
}

// MatchDirectory resolves which users are in an active match with a user,
// for presence-changed fan-out. May be nil (no fan-out).
type MatchDirectory interface {
	MatchedUserIDs(ctx context.Context, userID string) ([]string, error)
}

// Options tunes the registry. OnPresence, when set, observes every
// online/offline transition; OnDrop observes every event lost to a dead or
// slow connection. Both are used for metrics.
type Options struct {
	OfflineGrace time.Duration
	OnPresence   func(userID string, online bool)
	OnDrop       func(userID string)
}

type Registry struct {
	presence Presence
	matches  MatchDirectory
	grace    time.Duration
	observe  func(string, bool)
	onDrop   func(string)

	mu    sync.Mutex
	users map[string]*userEntry
}

// userEntry serializes all mutations for one user id: multi-device
// connect/disconnect races and the offline grace timer. Contention stays
// local to the user; the registry-level mutex only guards map access.
type userEntry struct {
	mu      sync.Mutex
	conns   []Conn
	online  bool
	offline *time.Timer
}

func New(p Presence, matches MatchDirectory, opts Options) *Registry {
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = 30 * time.Second
	}
	return &Registry{
		presence: p,
		matches:  matches,
		grace:    opts.OfflineGrace,
		observe:  opts.OnPresence,
		onDrop:   opts.OnDrop,
		users:    make(map[string]*userEntry),
	}
}

func (r *Registry) lookup(userID string) (*userEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	return e, ok
}

// Connect registers a live connection. Any pending offline transition is
// cancelled first, so reconnecting within the grace period produces no
// presence churn. Exactly one online event fires per continuous session,
// regardless of how many devices attach.
func (r *Registry) Connect(ctx context.Context, userID string, conn Conn) {
	// Lookup and mutation stay under the registry lock: a grace expiry
	// removing the entry takes the same locks in the same order, so the
	// connection can never land in an entry that is no longer in the table.
	r.mu.Lock()
	e, ok := r.users[userID]
	if !ok {
		e = &userEntry{}
		r.users[userID] = e
	}
	e.mu.Lock()
	if e.offline != nil {
		e.offline.Stop()
		e.offline = nil
	}
	e.conns = append(e.conns, conn)
	wasOnline := e.online
	e.online = true
	n := len(e.conns)
	e.mu.Unlock()
	r.mu.Unlock()

	// Presence store calls suspend on the network; never inside entry locks.
	r.presence.SetOnline(ctx, userID)

	log.Debugw("connected", "user", userID, "conns", n)
	if !wasOnline {
		if r.observe != nil {
			r.observe(userID, true)
		}
		r.notifyMatches(ctx, userID, true, time.Time{})
	}
}

// Disconnect removes one connection. When the last connection goes, a grace
// timer is armed instead of flipping presence immediately.
func (r *Registry) Disconnect(ctx context.Context, userID string, conn Conn) {
	e, ok := r.lookup(userID)
	if !ok {
		return
	}

	e.mu.Lock()
	r.removeConnLocked(e, userID, conn)
	n := len(e.conns)
	e.mu.Unlock()

	log.Debugw("disconnected", "user", userID, "conns", n)
}

// removeConnLocked drops conn from the entry and arms the offline grace
// timer when the set becomes empty. Caller holds e.mu.
func (r *Registry) removeConnLocked(e *userEntry, userID string, conn Conn) {
	for i, c := range e.conns {
		if c == conn {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			break
		}
	}
	if len(e.conns) == 0 && e.online && e.offline == nil {
		e.offline = time.AfterFunc(r.grace, func() { r.graceExpired(userID) })
	}
}

// graceExpired fires when the offline grace period elapsed with no
// reconnect. The timer may race a concurrent Connect that already stopped
// it; re-checking state under the entry lock makes the firing a no-op then.
func (r *Registry) graceExpired(userID string) {
	e, ok := r.lookup(userID)
	if !ok {
		return
	}

	e.mu.Lock()
	e.offline = nil
	if len(e.conns) > 0 || !e.online {
		e.mu.Unlock()
		return
	}
	e.online = false
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lastSeen := time.Now()
	r.presence.SetOffline(ctx, userID)
	log.Infow("offline", "user", userID)
	if r.observe != nil {
		r.observe(userID, false)
	}
	r.notifyMatches(ctx, userID, false, lastSeen)

	// Drop the entry if nothing reattached meanwhile.
	r.mu.Lock()
	e.mu.Lock()
	if len(e.conns) == 0 && !e.online {
		delete(r.users, userID)
	}
	e.mu.Unlock()
	r.mu.Unlock()
}

// Send fires ev at every live connection for userID, best effort. Dead
// connections are removed lazily and closed; no error reaches the caller.
// Returns the number of connections that accepted the event.
func (r *Registry) Send(userID string, ev wire.Event) int {
	e, ok := r.lookup(userID)
	if !ok {
		return 0
	}

	e.mu.Lock()
	conns := make([]Conn, len(e.conns))
	copy(conns, e.conns)
	e.mu.Unlock()

	var dead []Conn
	delivered := 0
	for _, c := range conns {
		if err := c.Send(ev); err != nil {
			log.Debugw("dropping dead connection", "user", userID, "err", err)
			if r.onDrop != nil {
				r.onDrop(userID)
			}
			dead = append(dead, c)
			continue
		}
		delivered++
	}

	if len(dead) > 0 {
		e.mu.Lock()
		for _, c := range dead {
			r.removeConnLocked(e, userID, c)
		}
		e.mu.Unlock()
		for _, c := range dead {
			c.Close()
		}
	}

	return delivered
}

// LocalOnline reports whether userID has a live connection in this process.
func (r *Registry) LocalOnline(userID string) bool {
	e, ok := r.lookup(userID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns) > 0
}

// IsOnline checks locally first, then the shared store — the user may be
// connected to a different process instance.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	if r.LocalOnline(userID) {
		return true
	}
	return r.presence.IsOnline(ctx, userID)
}

// ConnCount returns the number of live connections for userID.
func (r *Registry) ConnCount(userID string) int {
	e, ok := r.lookup(userID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// notifyMatches pushes a presence-changed event to every matched user who is
// currently connected to this process.
func (r *Registry) notifyMatches(ctx context.Context, userID string, online bool, lastSeen time.Time) {
	if r.matches == nil {
		return
	}
	ids, err := r.matches.MatchedUserIDs(ctx, userID)
	if err != nil {
		log.Warnw("match lookup failed, presence event not fanned out", "user", userID, "err", err)
		return
	}

	ev := wire.Event{Type: wire.EventPresence, Data: wire.PresenceEvent{
		UserID:   userID,
		Online:   online,
		LastSeen: unixMilliOrZero(lastSeen),
	}}
	for _, id := range ids {
		if r.LocalOnline(id) {
			r.Send(id, ev)
		}
	}
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
