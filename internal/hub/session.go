package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

// storedResponse pairs a relayed Response with its receipt time; retention
// is judged by receipt, not by the advisory client timestamp.
type storedResponse struct {
	resp     protocol.Response
	storedAt time.Time
}

// Session is the Hub's ephemeral in-memory state: stored responses, the set
// of identified users, and live connections. All fields are owned by one Hub
// instance and guarded by a single mutex; there is no persistence across a
// restart.
type Session struct {
	mu          sync.RWMutex
	responses   map[string]map[string]storedResponse
	activeUsers map[string]struct{}
	connections map[string]*Connection
}

func NewSession() *Session {
	return &Session{
		responses:   map[string]map[string]storedResponse{},
		activeUsers: map[string]struct{}{},
		connections: map[string]*Connection{},
	}
}

func (s *Session) AddConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
}

// RemoveConnection drops the connection entry and, if the connection had
// identified, removes its user from activeUsers. Stored responses are left
// untouched: a user's data outlives their socket. The second return reports
// whether the entry existed, so double removal stays a no-op.
func (s *Session) RemoveConnection(id string) (userID string, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return "", false
	}
	delete(s.connections, id)
	userID = c.UserID()
	if userID != "" {
		delete(s.activeUsers, userID)
	}
	return userID, true
}

// Identify records the user on the connection and adds it to activeUsers.
func (s *Session) Identify(connID string, id protocol.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connID]
	if !ok {
		return false
	}
	c.setIdentity(id)
	s.activeUsers[id.UserID] = struct{}{}
	return true
}

// StoreResponse overwrites any prior value for (questionID, userID)
// unconditionally. The Hub is a relay, not an arbiter: it does not compare
// timestamps, the last write applied wins.
func (s *Session) StoreResponse(r protocol.Response, receivedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.responses[r.QuestionID]
	if !ok {
		byUser = map[string]storedResponse{}
		s.responses[r.QuestionID] = byUser
	}
	byUser[r.UserID] = storedResponse{resp: r, storedAt: receivedAt}
}

// GetResponse returns the stored value for one (questionID, userID) key.
func (s *Session) GetResponse(questionID, userID string) (protocol.Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.responses[questionID][userID]
	return sr.resp, ok
}

// SnapshotResponses returns every stored Response in deterministic order.
func (s *Session) SnapshotResponses() []protocol.Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Response, 0, s.responseCountLocked())
	questionIDs := make([]string, 0, len(s.responses))
	for qid := range s.responses {
		questionIDs = append(questionIDs, qid)
	}
	sort.Strings(questionIDs)
	for _, qid := range questionIDs {
		byUser := s.responses[qid]
		userIDs := make([]string, 0, len(byUser))
		for uid := range byUser {
			userIDs = append(userIDs, uid)
		}
		sort.Strings(userIDs)
		for _, uid := range userIDs {
			out = append(out, byUser[uid].resp)
		}
	}
	return out
}

// PruneOlderThan deletes every Response received before the cutoff and drops
// question entries whose maps become empty. Returns the number of pruned
// responses.
func (s *Session) PruneOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for qid, byUser := range s.responses {
		for uid, sr := range byUser {
			if sr.storedAt.Before(cutoff) {
				delete(byUser, uid)
				pruned++
			}
		}
		if len(byUser) == 0 {
			delete(s.responses, qid)
		}
	}
	return pruned
}

// ActiveUsers returns the identified user ids in sorted order.
func (s *Session) ActiveUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.activeUsers))
	for uid := range s.activeUsers {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func (s *Session) ActiveUserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeUsers)
}

func (s *Session) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Session) ResponseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responseCountLocked()
}

func (s *Session) responseCountLocked() int {
	n := 0
	for _, byUser := range s.responses {
		n += len(byUser)
	}
	return n
}

// Connections returns a point-in-time copy of the live connection set so
// callers can iterate without holding the session lock.
func (s *Session) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}
