// Package relay implements the client side of one duplex connection to a
// Hub: dial, identify, sync, and the inbound decode-and-route loop.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

// State is the link's lifecycle phase.
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

const DefaultConnectTimeout = 5 * time.Second

var ErrLinkClosed = errors.New("relay link closed")

// PeerSink receives responses observed from other clients.
type PeerSink interface {
	PutPeer(protocol.Response) error
}

// Config wires a Link to its owner. The link reports lifecycle events and
// never decides mode transitions itself.
type Config struct {
	Identity       protocol.Identity
	Sink           PeerSink
	OnClose        func(error)
	OnActiveUsers  func(int)
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Link is one live RelayLink.
type Link struct {
	cfg Config

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens the link. It returns only after the transport is ready and the
// identify + request_sync messages are queued, in that order, so a caller
// can rely on a sync having been requested. The timeout bounds the whole
// handshake; a dial finishing after the timeout is discarded, it can not
// resolve late.
func Dial(ctx context.Context, addr string, cfg Config) (*Link, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}

	l := &Link{cfg: cfg, state: Connecting, ws: ws}

	if err := l.send(protocol.Identify{UserID: cfg.Identity.UserID, DisplayName: cfg.Identity.DisplayName}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send identify: %w", err)
	}
	if err := l.send(protocol.RequestSync{}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send request_sync: %w", err)
	}

	l.mu.Lock()
	l.state = Open
	l.mu.Unlock()

	go l.readLoop()
	return l, nil
}

// State returns the current lifecycle phase.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SubmitResponse sends one submission to the Hub. Non-blocking beyond the
// socket write.
func (l *Link) SubmitResponse(r protocol.Response) error {
	if l.State() != Open {
		return ErrLinkClosed
	}
	return l.send(protocol.SubmitResponse{
		QuestionID:  r.QuestionID,
		Answer:      r.Answer,
		Reason:      r.Reason,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		Timestamp:   r.Timestamp,
	})
}

// RequestSync asks the Hub for a full state snapshot. Idempotent.
func (l *Link) RequestSync() error {
	if l.State() != Open {
		return ErrLinkClosed
	}
	return l.send(protocol.RequestSync{})
}

// Close shuts the link down without notifying OnClose; the owner initiated
// it and needs no callback.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == Closed {
		l.mu.Unlock()
		return nil
	}
	l.state = Closed
	l.mu.Unlock()
	return l.ws.Close()
}

func (l *Link) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop decodes and routes inbound messages until the socket dies, then
// reports the close to the owner. An unexpected close (not initiated by
// Close) triggers OnClose so the controller can apply its reconnect policy.
func (l *Link) readLoop() {
	var closeErr error
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		l.route(data)
	}

	l.mu.Lock()
	wasOpen := l.state == Open
	l.state = Closed
	l.mu.Unlock()
	_ = l.ws.Close()

	if wasOpen && l.cfg.OnClose != nil {
		l.cfg.OnClose(closeErr)
	}
}

// route folds one inbound message into the local view. Unrecognized types
// are logged and dropped, never fatal.
func (l *Link) route(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		l.cfg.Logger.Warn().Err(err).Msg("dropping undecodable relay message")
		return
	}

	switch m := msg.(type) {
	case protocol.Welcome:
		l.notifyActiveUsers(m.ActiveUserCount)
	case protocol.PeerResponse:
		l.foldPeer(m.Response())
	case protocol.BulkUpdate:
		for _, r := range m.Responses {
			l.foldPeer(r)
		}
	case protocol.SyncResponse:
		// A sync_response is a bulk_update plus an informational user list.
		for _, r := range m.Responses {
			l.foldPeer(r)
		}
		l.notifyActiveUsers(len(m.ActiveUsers))
	case protocol.UserJoined:
		l.notifyActiveUsers(m.ActiveUserCount)
	case protocol.UserDisconnected:
		l.notifyActiveUsers(m.ActiveUserCount)
	case protocol.Identified:
		// Carries the authoritative user list at join time.
		l.notifyActiveUsers(len(m.ActiveUsers))
	case protocol.ResponseConfirmed, protocol.Pong, protocol.Stats:
		// Advisory only.
	case protocol.Error:
		l.cfg.Logger.Warn().Str("message", m.Message).Msg("relay reported error")
	case protocol.ServerShutdown:
		l.cfg.Logger.Info().Msg("relay announced shutdown")
	default:
		l.cfg.Logger.Warn().Str("msgType", string(msg.MsgType())).Msg("dropping unexpected relay message")
	}
}

// foldPeer overwrites the cached entry for the key unconditionally; the Hub
// already resolved ordering for what it forwards.
func (l *Link) foldPeer(r protocol.Response) {
	if l.cfg.Sink == nil {
		return
	}
	if err := l.cfg.Sink.PutPeer(r); err != nil {
		l.cfg.Logger.Warn().Err(err).Str("questionId", r.QuestionID).Msg("peer cache write failed")
	}
}

func (l *Link) notifyActiveUsers(n int) {
	if l.cfg.OnActiveUsers != nil {
		l.cfg.OnActiveUsers(n)
	}
}
