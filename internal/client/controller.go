// Package client implements the connection-mode controller: the single
// authority over which transport (cloud, local relay, or none) carries this
// device's quiz responses, and over the reconcile and reconnect flows that
// keep the local cache and the remote store converging.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizrelay/quizrelay/internal/cache"
	"github.com/quizrelay/quizrelay/internal/client/reconnect"
	"github.com/quizrelay/quizrelay/internal/cloudstore"
	"github.com/quizrelay/quizrelay/internal/protocol"
	"github.com/quizrelay/quizrelay/internal/relay"
)

// Mode is the active transport.
type Mode string

const (
	ModeOffline    Mode = "OFFLINE"
	ModeCloud      Mode = "CLOUD"
	ModeLocalRelay Mode = "LOCAL_RELAY"
)

// EventKind tags controller events observable by a UI.
type EventKind string

const (
	EventModeChanged        EventKind = "MODE_CHANGED"
	EventPeerUpdated        EventKind = "PEER_UPDATED"
	EventActiveUsers        EventKind = "ACTIVE_USERS"
	EventReconcileFinished  EventKind = "RECONCILE_FINISHED"
	EventReconnectExhausted EventKind = "RECONNECT_EXHAUSTED"
)

// Event is one observable state change.
type Event struct {
	Kind        EventKind
	Mode        Mode
	QuestionID  string
	ActiveUsers int
	Report      *ReconcileReport
}

// ReconcileReport counts the outcomes of one replay pass.
type ReconcileReport struct {
	Successful int
	Failed     int
}

// RelayConn is the controller's view of a live relay link.
type RelayConn interface {
	SubmitResponse(protocol.Response) error
	Close() error
}

// RelayDialer opens a relay link; swapped out in tests.
type RelayDialer func(ctx context.Context, addr string, cfg relay.Config) (RelayConn, error)

var ErrNotSignedIn = errors.New("no signed-in identity")

// Config wires a Controller.
type Config struct {
	Cache    *cache.LocalCache
	Store    cloudstore.Store
	Identity cloudstore.IdentityProvider
	Policy   reconnect.Policy
	Dialer   RelayDialer
	Logger   zerolog.Logger
}

// Controller owns the cache and the relay link and picks exactly one active
// transport. Every transition goes through one guarded function so
// impossible states (broadcasting while offline, two active transports)
// cannot occur.
type Controller struct {
	store  cloudstore.Store
	ids    cloudstore.IdentityProvider
	cache  *cache.LocalCache
	policy reconnect.Policy
	dial   RelayDialer
	logger zerolog.Logger

	mu              sync.Mutex
	mode            Mode
	attempts        int
	link            RelayConn
	lastRelayAddr   string
	activeUsers     int
	reconnectCancel context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		store:  cfg.Store,
		ids:    cfg.Identity,
		cache:  cfg.Cache,
		policy: cfg.Policy,
		dial:   cfg.Dialer,
		logger: cfg.Logger.With().Str("service", "controller").Logger(),
		mode:   ModeOffline,
		subs:   map[int]func(Event){},
	}
	if c.policy.MaxAttempts == 0 {
		c.policy = reconnect.Default()
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context, addr string, rc relay.Config) (RelayConn, error) {
			return relay.Dial(ctx, addr, rc)
		}
	}
	c.lastRelayAddr = cfg.Cache.RelayAddress()
	return c
}

// Mode returns the current transport.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ReconnectAttempts returns the current bounded-retry counter.
func (c *Controller) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ActiveUserCount returns the last observed relay user count.
func (c *Controller) ActiveUserCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeUsers
}

// Subscribe registers a UI callback for controller events.
func (c *Controller) Subscribe(fn func(Event)) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return id
}

// Unsubscribe removes one callback.
func (c *Controller) Unsubscribe(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subs, id)
}

func (c *Controller) emit(ev Event) {
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// transition validates the from-state before mutating; the only place the
// mode changes. Returns false when the current mode is not in from.
func (c *Controller) transition(to Mode, from ...Mode) bool {
	c.mu.Lock()
	if len(from) > 0 {
		allowed := false
		for _, m := range from {
			if c.mode == m {
				allowed = true
				break
			}
		}
		if !allowed {
			c.mu.Unlock()
			return false
		}
	}
	prev := c.mode
	c.mode = to
	c.mu.Unlock()

	if prev != to {
		c.logger.Info().Str("from", string(prev)).Str("to", string(to)).Msg("mode changed")
		c.emit(Event{Kind: EventModeChanged, Mode: to})
	}
	return true
}

// SubmitResponse records one answer. The cache write always happens first
// so the UI can show the entry immediately and it survives any transport
// failure; the return value reports only the transport-level outcome.
func (c *Controller) SubmitResponse(ctx context.Context, questionID, answer, reason string) (bool, error) {
	id, ok := c.ids.Identity()
	if !ok {
		return false, ErrNotSignedIn
	}
	r := protocol.NewResponse(questionID, answer, reason, id)

	if err := c.cache.PutOwn(r); err != nil {
		// The in-memory entry is in place; only the mirror failed.
		c.logger.Warn().Err(err).Msg("cache persist failed")
	}

	c.mu.Lock()
	mode := c.mode
	link := c.link
	c.mu.Unlock()

	switch mode {
	case ModeCloud:
		if err := c.store.WriteResponse(ctx, r); err != nil {
			c.logger.Warn().Err(err).Str("questionId", questionID).Msg("cloud write failed, queued for reconcile")
			return false, err
		}
		return true, nil
	case ModeLocalRelay:
		if link == nil {
			return false, ErrNoRelayLink
		}
		if err := link.SubmitResponse(r); err != nil {
			c.logger.Warn().Err(err).Str("questionId", questionID).Msg("relay send failed, queued for reconcile")
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

var ErrNoRelayLink = errors.New("no open relay link")

// GetPeerResponses returns peers' answers for one question: authoritative
// from the store in cloud mode, cached otherwise.
func (c *Controller) GetPeerResponses(ctx context.Context, questionID string) ([]protocol.Response, error) {
	if c.Mode() == ModeCloud {
		return c.store.QueryResponses(ctx, questionID)
	}
	return c.cache.PeerResponses(questionID), nil
}

// NetworkRestored moves to cloud mode from any state and runs the reconcile
// pass. Requires a signed-in identity.
func (c *Controller) NetworkRestored(ctx context.Context) (ReconcileReport, error) {
	if _, ok := c.ids.Identity(); !ok {
		return ReconcileReport{}, ErrNotSignedIn
	}
	c.cancelReconnect()
	c.transition(ModeCloud)
	report := c.Reconcile(ctx)
	return report, nil
}

// NetworkLost moves to offline from either connected mode. An open relay
// link is left to close naturally.
func (c *Controller) NetworkLost() {
	c.cancelReconnect()
	c.transition(ModeOffline, ModeCloud, ModeLocalRelay)
}

// SignOut drops to offline unconditionally and tears every subscription
// down.
func (c *Controller) SignOut() {
	c.cancelReconnect()

	c.mu.Lock()
	link := c.link
	c.link = nil
	c.attempts = 0
	c.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}

	c.transition(ModeOffline)

	c.subMu.Lock()
	c.subs = map[int]func(Event){}
	c.subMu.Unlock()
}

// ConnectToRelay opens a relay link on user request. A fresh user-initiated
// connect always resets the attempt counter, regardless of prior history.
// On failure the current mode is kept and the error surfaced.
func (c *Controller) ConnectToRelay(ctx context.Context, addr string) error {
	id, ok := c.ids.Identity()
	if !ok {
		return ErrNotSignedIn
	}

	c.cancelReconnect()
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	link, err := c.dial(ctx, addr, c.relayConfig(id))
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	c.adoptLink(link, addr)
	return nil
}

func (c *Controller) relayConfig(id protocol.Identity) relay.Config {
	return relay.Config{
		Identity:      id,
		Sink:          peerSink{c},
		OnClose:       c.onLinkClosed,
		OnActiveUsers: c.onActiveUsers,
		Logger:        c.logger,
	}
}

// adoptLink swaps in a freshly dialed link and records the address for
// reconnects across restarts.
func (c *Controller) adoptLink(link RelayConn, addr string) {
	c.mu.Lock()
	old := c.link
	c.link = link
	c.lastRelayAddr = addr
	c.attempts = 0
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if err := c.cache.SetRelayAddress(addr); err != nil {
		c.logger.Warn().Err(err).Msg("persist relay address failed")
	}
	c.transition(ModeLocalRelay)
}

func (c *Controller) onActiveUsers(n int) {
	c.mu.Lock()
	c.activeUsers = n
	c.mu.Unlock()
	c.emit(Event{Kind: EventActiveUsers, ActiveUsers: n})
}

// onLinkClosed runs when the relay link dies unexpectedly. While in relay
// mode it starts the bounded reconnect loop; in any other mode the close is
// just the tail end of a deliberate teardown.
func (c *Controller) onLinkClosed(err error) {
	c.mu.Lock()
	if c.mode != ModeLocalRelay {
		c.mu.Unlock()
		return
	}
	c.link = nil
	addr := c.lastRelayAddr
	if c.reconnectCancel != nil {
		// A loop is already running.
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("relay link closed, reconnecting")
	go c.reconnectLoop(ctx, addr)
}

// reconnectLoop retries the last known relay address with linear backoff.
// Cancelled by any explicit transition away from relay mode; on exhaustion
// the controller drops to offline and surfaces a terminal notice.
func (c *Controller) reconnectLoop(ctx context.Context, addr string) {
	defer c.clearReconnect()

	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if c.policy.Exhausted(attempt) {
			c.logger.Error().Int("attempts", attempt-1).Msg("reconnect exhausted")
			c.transition(ModeOffline, ModeLocalRelay)
			c.emit(Event{Kind: EventReconnectExhausted, Mode: ModeOffline})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.policy.Delay(attempt)):
		}

		id, ok := c.ids.Identity()
		if !ok {
			return
		}
		link, err := c.dial(ctx, addr, c.relayConfig(id))
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		// Clear the cancel slot under the same lock that adopts the link, so
		// a death of the fresh link can never observe a stale loop marker and
		// skip starting a new one.
		c.mu.Lock()
		c.link = link
		c.attempts = 0
		cancel := c.reconnectCancel
		c.reconnectCancel = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.logger.Info().Str("addr", addr).Msg("relay reconnected")
		return
	}
}

func (c *Controller) cancelReconnect() {
	c.mu.Lock()
	cancel := c.reconnectCancel
	c.reconnectCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) clearReconnect() {
	c.mu.Lock()
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
	c.mu.Unlock()
}

// Reconcile replays every queued own response for the current identity to
// the remote store. Individual failures never short-circuit the pass;
// failed entries stay queued for the next one. The store's write path is
// the tie-break authority, so replaying an already-applied entry is a
// no-op there.
func (c *Controller) Reconcile(ctx context.Context) ReconcileReport {
	var report ReconcileReport
	id, ok := c.ids.Identity()
	if !ok {
		return report
	}

	for _, r := range c.cache.OwnResponses() {
		if r.UserID != id.UserID {
			continue
		}
		if err := c.store.WriteResponse(ctx, r); err != nil {
			c.logger.Warn().Err(err).Str("questionId", r.QuestionID).Msg("reconcile write failed")
			report.Failed++
			continue
		}
		report.Successful++
	}

	c.logger.Info().Int("successful", report.Successful).Int("failed", report.Failed).Msg("reconcile finished")
	c.emit(Event{Kind: EventReconcileFinished, Mode: c.Mode(), Report: &report})
	return report
}

// WatchQuestion mirrors store-side changes for one question into the local
// cache and controller events, so peer answers observed while in cloud mode
// are still on hand after a drop to offline. Returns the unsubscribe func.
func (c *Controller) WatchQuestion(questionID string) func() {
	ownID, _ := c.ids.Identity()
	return c.store.Subscribe(questionID, func(rs []protocol.Response) {
		for _, r := range rs {
			if r.UserID == ownID.UserID {
				continue
			}
			if err := c.cache.PutPeer(r); err != nil {
				c.logger.Warn().Err(err).Str("questionId", questionID).Msg("peer cache write failed")
			}
		}
		c.emit(Event{Kind: EventPeerUpdated, QuestionID: questionID})
	})
}

// Run consumes auth transitions until the context ends: a sign-out drops
// the controller offline immediately.
func (c *Controller) Run(ctx context.Context) {
	events := c.ids.AuthEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.State == cloudstore.SignedOut {
				c.SignOut()
			}
		}
	}
}

// peerSink lets the relay link fold peer responses into the cache while the
// controller emits the matching UI event.
type peerSink struct{ c *Controller }

func (s peerSink) PutPeer(r protocol.Response) error {
	err := s.c.cache.PutPeer(r)
	s.c.emit(Event{Kind: EventPeerUpdated, QuestionID: r.QuestionID})
	return err
}
