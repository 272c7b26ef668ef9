package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

// Options tunes the Hub's maintenance loops.
type Options struct {
	LivenessPeriod  time.Duration
	RetentionPeriod time.Duration
	RetentionWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		LivenessPeriod:  30 * time.Second,
		RetentionPeriod: 60 * time.Second,
		RetentionWindow: time.Hour,
	}
}

// Hub accepts many RelayLinks, relays every submission to all other
// connected clients, and keeps the shared session state consistent under
// churn. It is a pure in-memory relay: nothing survives a restart.
type Hub struct {
	session   *Session
	opts      Options
	logger    zerolog.Logger
	startedAt time.Time
	now       func() time.Time
}

func New(opts Options, logger zerolog.Logger) *Hub {
	if opts.LivenessPeriod <= 0 {
		opts.LivenessPeriod = DefaultOptions().LivenessPeriod
	}
	if opts.RetentionPeriod <= 0 {
		opts.RetentionPeriod = DefaultOptions().RetentionPeriod
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = DefaultOptions().RetentionWindow
	}
	return &Hub{
		session:   NewSession(),
		opts:      opts,
		logger:    logger.With().Str("service", "hub").Logger(),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Session exposes the hub state for the read-only HTTP surface.
func (h *Hub) Session() *Session { return h.session }

// HandleConn owns one accepted socket for its lifetime: register, welcome,
// proactive sync, then the sequential read loop. Blocks until the socket
// dies.
func (h *Hub) HandleConn(ws *websocket.Conn) {
	c := newConnection(uuid.NewString(), ws, h.now())
	h.session.AddConnection(c)
	go c.writePump()

	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	h.logger.Info().Str("conn", c.ID).Msg("connection accepted")

	h.sendTo(c, protocol.Welcome{
		ID:              c.ID,
		ServerTime:      h.now().UnixMilli(),
		ActiveUserCount: h.session.ActiveUserCount(),
	})
	// Proactive sync: a client that never sends request_sync still converges.
	if stored := h.session.SnapshotResponses(); len(stored) > 0 {
		h.sendTo(c, protocol.BulkUpdate{Responses: stored})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		c.markAlive()
		h.handleMessage(c, data)
	}

	h.unregister(c)
}

// handleMessage decodes and routes one inbound frame. Protocol errors are
// answered with an error message and never terminate the connection.
func (h *Hub) handleMessage(c *Connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		h.logger.Warn().Str("conn", c.ID).Err(err).Msg("undecodable message")
		h.sendTo(c, protocol.Error{Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case protocol.Identify:
		h.handleIdentify(c, m)
	case protocol.SubmitResponse:
		h.handleSubmit(c, m)
	case protocol.RequestSync:
		h.handleRequestSync(c)
	case protocol.Ping:
		h.sendTo(c, protocol.Pong{Timestamp: h.now().UnixMilli()})
	case protocol.GetStats:
		h.sendTo(c, h.stats())
	default:
		h.logger.Warn().Str("conn", c.ID).Str("msgType", string(msg.MsgType())).Msg("unsupported message direction")
		h.sendTo(c, protocol.Error{Message: "unsupported message type: " + string(msg.MsgType())})
	}
}

func (h *Hub) handleIdentify(c *Connection, m protocol.Identify) {
	id := protocol.Identity{UserID: m.UserID, DisplayName: m.DisplayName}
	if id.UserID == "" {
		h.sendTo(c, protocol.Error{Message: "identify requires userId"})
		return
	}
	h.session.Identify(c.ID, id)
	h.logger.Info().Str("conn", c.ID).Str("user", id.UserID).Msg("identified")

	h.broadcast(c.ID, protocol.UserJoined{
		UserID:          id.UserID,
		DisplayName:     id.DisplayName,
		ActiveUserCount: h.session.ActiveUserCount(),
	})
	h.sendTo(c, protocol.Identified{Success: true, ActiveUsers: h.session.ActiveUsers()})
}

func (h *Hub) handleSubmit(c *Connection, m protocol.SubmitResponse) {
	r := m.Response()
	if err := r.ValidateBasic(); err != nil {
		h.sendTo(c, protocol.Error{Message: err.Error()})
		return
	}
	if r.Timestamp == 0 {
		r.Timestamp = h.now().UnixMilli()
	}
	h.session.StoreResponse(r, h.now())

	h.broadcast(c.ID, protocol.NewPeerResponse(r))
	h.sendTo(c, protocol.ResponseConfirmed{QuestionID: r.QuestionID, Timestamp: r.Timestamp})
}

func (h *Hub) handleRequestSync(c *Connection) {
	h.sendTo(c, protocol.SyncResponse{
		Responses:   h.session.SnapshotResponses(),
		ActiveUsers: h.session.ActiveUsers(),
	})
}

func (h *Hub) stats() protocol.Stats {
	return protocol.Stats{
		Connections:   h.session.ConnectionCount(),
		ActiveUsers:   h.session.ActiveUserCount(),
		Responses:     h.session.ResponseCount(),
		UptimeSeconds: int64(h.now().Sub(h.startedAt).Seconds()),
	}
}

// unregister tears down one connection and announces the departure. Stored
// responses for the user are kept so future joiners still see them.
func (h *Hub) unregister(c *Connection) {
	userID, existed := h.session.RemoveConnection(c.ID)
	c.close()
	if !existed {
		return
	}
	h.logger.Info().Str("conn", c.ID).Str("user", userID).Msg("connection closed")
	if userID != "" {
		h.broadcast(c.ID, protocol.UserDisconnected{
			UserID:          userID,
			ActiveUserCount: h.session.ActiveUserCount(),
		})
	}
}

// broadcast fans one message out to every connection except excludeID.
// Fire-and-forget: a slow or closed peer never blocks delivery to others.
func (h *Hub) broadcast(excludeID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode broadcast")
		return
	}
	for _, c := range h.session.Connections() {
		if c.ID == excludeID {
			continue
		}
		if !c.trySend(data) {
			h.logger.Warn().Str("conn", c.ID).Str("msgType", string(msg.MsgType())).Msg("dropped broadcast frame")
		}
	}
}

func (h *Hub) sendTo(c *Connection, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode message")
		return
	}
	if !c.trySend(data) {
		h.logger.Warn().Str("conn", c.ID).Str("msgType", string(msg.MsgType())).Msg("dropped frame")
	}
}

// Run drives both maintenance sweeps until the context is cancelled, then
// shuts the hub down.
func (h *Hub) Run(ctx context.Context) {
	liveness := time.NewTicker(h.opts.LivenessPeriod)
	defer liveness.Stop()
	retention := time.NewTicker(h.opts.RetentionPeriod)
	defer retention.Stop()

	for {
		select {
		case <-liveness.C:
			h.LivenessSweep()
		case <-retention.C:
			h.RetentionSweep()
		case <-ctx.Done():
			h.Shutdown()
			return
		}
	}
}

// LivenessSweep terminates every connection that failed to answer the
// previous sweep's probe, then marks the survivors stale and probes them
// again. A dead socket is evicted within roughly two sweep periods.
func (h *Hub) LivenessSweep() {
	for _, c := range h.session.Connections() {
		if !c.isAlive() {
			h.logger.Warn().Str("conn", c.ID).Msg("terminating unresponsive connection")
			h.unregister(c)
			continue
		}
		c.markStale()
		if err := c.pingProbe(); err != nil {
			h.logger.Warn().Str("conn", c.ID).Err(err).Msg("ping probe failed")
		}
	}
}

// RetentionSweep prunes responses older than the retention window.
func (h *Hub) RetentionSweep() {
	if n := h.session.PruneOlderThan(h.now().Add(-h.opts.RetentionWindow)); n > 0 {
		h.logger.Info().Int("pruned", n).Msg("retention sweep")
	}
}

// Shutdown announces termination to every client and closes all sockets.
func (h *Hub) Shutdown() {
	h.logger.Info().Msg("hub shutting down")
	h.broadcast("", protocol.ServerShutdown{Message: "server shutting down"})
	for _, c := range h.session.Connections() {
		h.unregister(c)
	}
}
