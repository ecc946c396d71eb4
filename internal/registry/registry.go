// Package registry tracks live team connections and delivers messages to
// them. Messages for teams that are offline are held in a bounded Queue and
// flushed, in order, when the team reconnects.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/contestd/internal/logging"
	"github.com/me/contestd/pkg/model"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("registry closed")

// errSessionClosed is returned by a send on a session that has been replaced
// or disconnected.
var errSessionClosed = errors.New("session closed")

// Conn is a live connection to one team. The registry owns it once passed to
// Connect and is the only writer.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Config configures a Registry.
type Config struct {
	HeartbeatInterval time.Duration
}

// Session is one live connection of a team.
type Session struct {
	team        string
	conn        Conn
	connectedAt time.Time
	lastSeen    atomic.Int64 // unix nanos

	sendMu sync.Mutex
	closed atomic.Bool
	cancel context.CancelFunc
}

func newSession(team string, conn Conn, cancel context.CancelFunc) *Session {
	now := time.Now()
	s := &Session{team: team, conn: conn, connectedAt: now, cancel: cancel}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// Team returns the team name.
func (s *Session) Team() string { return s.team }

// ConnectedAt returns when the session was established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// LastSeen returns when the team was last heard from.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) send(ctx context.Context, msg []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(ctx, msg)
}

func (s *Session) sendLocked(ctx context.Context, msg []byte) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	return s.conn.Send(ctx, msg)
}

// close is idempotent and does not wait for an in-flight send; closing the
// connection unblocks it.
func (s *Session) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
		s.conn.Close()
	}
}

// Delivery describes what happened to a single message.
type Delivery int

const (
	Dropped Delivery = iota
	Delivered
	Queued
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "dropped"
	}
}

// BroadcastResult summarizes a Broadcast.
type BroadcastResult struct {
	Delivered int
	Queued    int
	Dropped   int
	Failed    []string // teams whose connection failed during the broadcast
}

// Registry maps team names to their single live Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	known    map[string]struct{} // teams that have connected at least once
	closed   bool

	queue     Queue
	heartbeat time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates a Registry using queue for offline teams.
func New(queue Queue, cfg Config, logger *slog.Logger) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		known:     make(map[string]struct{}),
		queue:     queue,
		heartbeat: cfg.HeartbeatInterval,
		logger:    logger.With("component", "registry"),
	}
}

// Connect makes conn the team's live connection. A previous connection is
// closed and replaced. Messages queued while the team was offline are sent on
// conn, in order, before any other message can reach it.
func (r *Registry) Connect(ctx context.Context, team string, conn Conn) (*Session, error) {
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := newSession(team, conn, cancel)
	sess.sendMu.Lock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.sendMu.Unlock()
		sess.close()
		return nil, ErrClosed
	}
	old := r.sessions[team]
	r.sessions[team] = sess
	r.known[team] = struct{}{}
	pending, err := r.queue.Drain(ctx, team)
	r.wg.Add(1)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("drain offline queue", logging.Team(team), "error", err)
	}
	if old != nil {
		old.close()
		r.logger.Info("connection replaced", logging.Team(team))
	}

	for i, msg := range pending {
		if err := sess.sendLocked(ctx, msg); err != nil {
			r.logger.Warn("flush failed", logging.Team(team), "sent", i, "pending", len(pending)-i, "error", err)
			next := r.failFlush(ctx, sess, pending[i:])
			sess.sendMu.Unlock()
			r.wg.Done()
			if next != nil {
				for _, m := range pending[i:] {
					r.deliver(ctx, next, m, true)
				}
			}
			return sess, nil
		}
	}
	sess.sendMu.Unlock()

	go r.runHeartbeat(hbCtx, sess)

	r.logger.Info("team connected", logging.Team(team), "flushed", len(pending))
	return sess, nil
}

// failFlush disconnects sess and puts the unsent messages back in the queue.
// Called with sess.sendMu held so no later message can overtake them. If the
// team already has a newer connection, that session is returned instead and
// the caller delivers the backlog to it.
func (r *Registry) failFlush(ctx context.Context, sess *Session, unsent [][]byte) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.team] == sess {
		delete(r.sessions, sess.team)
	}
	sess.close()
	if next := r.sessions[sess.team]; next != nil {
		return next
	}
	for _, msg := range unsent {
		r.enqueueLocked(ctx, sess.team, msg)
	}
	return nil
}

// Disconnect closes the team's live connection, if any. Later sends to the
// team are queued. It reports whether a connection was removed.
func (r *Registry) Disconnect(team, reason string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[team]
	if ok {
		delete(r.sessions, team)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.close()
	r.logger.Info("team disconnected", logging.Team(team), "reason", reason)
	return true
}

// Detach disconnects sess only if it is still the team's live connection.
// Transports call it when their read loop ends so a stale socket cannot evict
// a newer reconnect.
func (r *Registry) Detach(sess *Session, reason string) {
	r.mu.Lock()
	current := r.sessions[sess.team] == sess
	if current {
		delete(r.sessions, sess.team)
	}
	r.mu.Unlock()

	sess.close()
	if current {
		r.logger.Info("team disconnected", logging.Team(sess.team), "reason", reason)
	}
}

// Touch refreshes the team's last-seen time.
func (r *Registry) Touch(team string) {
	r.mu.RLock()
	sess := r.sessions[team]
	r.mu.RUnlock()
	if sess != nil {
		sess.touch()
	}
}

// IsConnected reports whether team has a live connection.
func (r *Registry) IsConnected(team string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[team]
	return ok
}

// Connected returns the names of connected teams, sorted.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	teams := make([]string, 0, len(r.sessions))
	for team := range r.sessions {
		teams = append(teams, team)
	}
	r.mu.RUnlock()
	sort.Strings(teams)
	return teams
}

// QueueLen reports how many messages are waiting for team.
func (r *Registry) QueueLen(ctx context.Context, team string) (int, error) {
	return r.queue.Len(ctx, team)
}

// Send delivers env to team. If the team is offline, or its connection fails,
// the message is queued when queueIfOffline is set. A failed connection is
// disconnected.
func (r *Registry) Send(ctx context.Context, team string, env model.Envelope, queueIfOffline bool) (Delivery, error) {
	msg, err := env.Encode()
	if err != nil {
		return Dropped, err
	}

	r.mu.RLock()
	sess := r.sessions[team]
	if sess == nil {
		d := Dropped
		if queueIfOffline {
			d = r.enqueueLocked(ctx, team, msg)
		}
		r.mu.RUnlock()
		return d, nil
	}
	r.mu.RUnlock()

	return r.deliver(ctx, sess, msg, queueIfOffline), nil
}

// maxReroutes bounds how many successive replacement sessions deliver tries
// when the team keeps reconnecting mid-send.
const maxReroutes = 5

// deliver sends msg on sess. On failure sess is disconnected and the message
// goes to the team's newer connection, if one appeared, or to the queue.
func (r *Registry) deliver(ctx context.Context, sess *Session, msg []byte, queue bool) Delivery {
	for attempt := 0; sess != nil && attempt < maxReroutes; attempt++ {
		err := sess.send(ctx, msg)
		if err == nil {
			return Delivered
		}
		if !errors.Is(err, errSessionClosed) {
			r.logger.Warn("send failed", logging.Team(sess.team), "error", err)
		}
		var d Delivery
		sess, d = r.fail(ctx, sess, msg, queue)
		if sess == nil {
			return d
		}
	}
	return Dropped
}

// fail removes sess if it is still current. If the team has a newer session
// it is returned; otherwise msg is queued (when queue is set) under the write
// lock so a concurrent Connect either drains it or is seen here.
func (r *Registry) fail(ctx context.Context, sess *Session, msg []byte, queue bool) (*Session, Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[sess.team] == sess {
		delete(r.sessions, sess.team)
		r.logger.Info("team disconnected", logging.Team(sess.team), "reason", "send failed")
	}
	sess.close()

	if next := r.sessions[sess.team]; next != nil {
		return next, Dropped
	}
	if !queue {
		return nil, Dropped
	}
	return nil, r.enqueueLocked(ctx, sess.team, msg)
}

// enqueueLocked must be called with r.mu held (read or write).
func (r *Registry) enqueueLocked(ctx context.Context, team string, msg []byte) Delivery {
	ok, err := r.queue.Enqueue(ctx, team, msg)
	if err != nil {
		r.logger.Error("enqueue failed", logging.Team(team), "error", err)
		return Dropped
	}
	if !ok {
		r.logger.Warn("offline queue full, message dropped", logging.Team(team))
		return Dropped
	}
	return Queued
}

// Broadcast sends env to every connected team, except those in exclude,
// concurrently, and waits for every attempt to finish. Teams whose send fails
// are disconnected and get the message queued. Teams that have connected
// before but are offline now get it queued as well.
func (r *Registry) Broadcast(ctx context.Context, env model.Envelope, exclude ...string) BroadcastResult {
	var res BroadcastResult
	msg, err := env.Encode()
	if err != nil {
		r.logger.Error("encode broadcast", "type", env.Type, "error", err)
		return res
	}

	skip := make(map[string]bool, len(exclude))
	for _, team := range exclude {
		skip[team] = true
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for team, sess := range r.sessions {
		if !skip[team] {
			targets = append(targets, sess)
		}
	}
	for team := range r.known {
		if _, online := r.sessions[team]; online || skip[team] {
			continue
		}
		if r.enqueueLocked(ctx, team, msg) == Queued {
			res.Queued++
		} else {
			res.Dropped++
		}
	}
	r.mu.RUnlock()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sess := range targets {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			d := r.deliver(ctx, sess, msg, true)

			mu.Lock()
			defer mu.Unlock()
			switch d {
			case Delivered:
				res.Delivered++
			case Queued:
				res.Queued++
				res.Failed = append(res.Failed, sess.team)
			default:
				res.Dropped++
				res.Failed = append(res.Failed, sess.team)
			}
		}(sess)
	}
	wg.Wait()

	sort.Strings(res.Failed)
	r.logger.Debug("broadcast", "type", env.Type,
		"delivered", res.Delivered, "queued", res.Queued, "dropped", res.Dropped)
	return res
}

func (r *Registry) runHeartbeat(ctx context.Context, sess *Session) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := model.NewEnvelope(model.MessagePing, model.Ping{Team: sess.team}).Encode()
			if err != nil {
				r.logger.Error("encode ping", "error", err)
				continue
			}
			if err := sess.send(ctx, msg); err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("heartbeat failed", logging.Team(sess.team), "error", err)
					r.Detach(sess, "heartbeat failed")
				}
				return
			}
		}
	}
}

// Close disconnects every team and waits for heartbeat goroutines to exit.
// Connect fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	r.wg.Wait()
}
