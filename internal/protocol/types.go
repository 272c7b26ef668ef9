package protocol

import (
	"errors"
	"strings"
	"time"
)

// Response is one user's recorded answer to one question. It is immutable
// once constructed; a resubmission produces a new Response that replaces the
// prior one under the same (QuestionID, UserID) key.
type Response struct {
	QuestionID  string `json:"questionId"`
	Answer      string `json:"answer"`
	Reason      string `json:"reason,omitempty"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"` // epoch ms, advisory client clock
}

// NewResponse builds a Response stamped with the local clock.
func NewResponse(questionID, answer, reason string, id Identity) Response {
	return Response{
		QuestionID:  questionID,
		Answer:      answer,
		Reason:      reason,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// ValidateBasic checks required response fields.
func (r Response) ValidateBasic() error {
	if strings.TrimSpace(r.QuestionID) == "" {
		return errors.New("questionId is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("userId is required")
	}
	return nil
}

// NewerThan reports whether r wins a last-write-wins comparison against
// other. Equal timestamps favor r so a replay of the same write is a no-op
// rather than a loss.
func (r Response) NewerThan(other Response) bool {
	return r.Timestamp >= other.Timestamp
}

// Identity names the submitting user on the wire and at the store.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}
