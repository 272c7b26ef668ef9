package cloudstore

import (
	"context"
	"sync"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

// MemoryStore is an in-process Store for tests and local development. It
// applies the same last-write-wins rule the real store would.
type MemoryStore struct {
	mu        sync.RWMutex
	responses map[string]map[string]protocol.Response
	subs      map[string]map[int]func([]protocol.Response)
	nextSub   int

	// FailWrites, when set, makes WriteResponse return the given error for
	// matching (questionID, userID) keys. Used to simulate partial reconcile
	// failure.
	failMu     sync.Mutex
	failWrites map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		responses:  map[string]map[string]protocol.Response{},
		subs:       map[string]map[int]func([]protocol.Response){},
		failWrites: map[string]error{},
	}
}

// FailWritesFor arranges for writes under the given key to fail with err;
// a nil err clears the failure.
func (s *MemoryStore) FailWritesFor(questionID, userID string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	key := questionID + "\x00" + userID
	if err == nil {
		delete(s.failWrites, key)
		return
	}
	s.failWrites[key] = err
}

func (s *MemoryStore) WriteResponse(ctx context.Context, r protocol.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.failMu.Lock()
	failErr := s.failWrites[r.QuestionID+"\x00"+r.UserID]
	s.failMu.Unlock()
	if failErr != nil {
		return failErr
	}

	s.mu.Lock()
	byUser, ok := s.responses[r.QuestionID]
	if !ok {
		byUser = map[string]protocol.Response{}
		s.responses[r.QuestionID] = byUser
	}
	if prior, ok := byUser[r.UserID]; ok && !r.NewerThan(prior) {
		// Stale write: the stored response has the greater timestamp.
		s.mu.Unlock()
		return nil
	}
	byUser[r.UserID] = r
	snapshot := snapshotQuestion(byUser)
	fns := make([]func([]protocol.Response), 0, len(s.subs[r.QuestionID]))
	for _, fn := range s.subs[r.QuestionID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
	return nil
}

func (s *MemoryStore) QueryResponses(ctx context.Context, questionID string) ([]protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotQuestion(s.responses[questionID]), nil
}

func (s *MemoryStore) Subscribe(questionID string, fn func([]protocol.Response)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.subs[questionID]
	if !ok {
		byID = map[int]func([]protocol.Response){}
		s.subs[questionID] = byID
	}
	id := s.nextSub
	s.nextSub++
	byID[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[questionID], id)
	}
}

func snapshotQuestion(byUser map[string]protocol.Response) []protocol.Response {
	out := make([]protocol.Response, 0, len(byUser))
	for _, r := range byUser {
		out = append(out, r)
	}
	return out
}
