// Package cloudstore defines the interface the sync core consumes from the
// remote authoritative store, plus the identity provider that names the
// current user. The store's write path is the system's only merge
// authority: last-write-wins by timestamp is enforced there, not on the
// client or the Hub.
package cloudstore

import (
	"context"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

// Store is the remote authoritative store.
type Store interface {
	// WriteResponse applies one response under last-write-wins: an incoming
	// write with a timestamp lower than the stored one is silently ignored.
	WriteResponse(ctx context.Context, r protocol.Response) error
	// QueryResponses returns every stored response for one question.
	QueryResponses(ctx context.Context, questionID string) ([]protocol.Response, error)
	// Subscribe delivers the full response set for a question on every
	// change. The returned func cancels the subscription.
	Subscribe(questionID string, fn func([]protocol.Response)) (unsubscribe func())
}

// AuthState says whether a user is currently signed in.
type AuthState int

const (
	SignedOut AuthState = iota
	SignedIn
)

// AuthEvent is one signed-in/signed-out transition.
type AuthEvent struct {
	State    AuthState
	Identity protocol.Identity
}

// IdentityProvider yields the current user and auth transitions.
type IdentityProvider interface {
	Identity() (protocol.Identity, bool)
	AuthEvents() <-chan AuthEvent
}

// StaticIdentity is an IdentityProvider with a fixed signed-in user.
type StaticIdentity struct {
	ID     protocol.Identity
	events chan AuthEvent
}

func NewStaticIdentity(userID, displayName string) *StaticIdentity {
	return &StaticIdentity{
		ID:     protocol.Identity{UserID: userID, DisplayName: displayName},
		events: make(chan AuthEvent),
	}
}

func (s *StaticIdentity) Identity() (protocol.Identity, bool) { return s.ID, true }
func (s *StaticIdentity) AuthEvents() <-chan AuthEvent        { return s.events }
