package protocol

import (
	"encoding/json"
	"fmt"
)

// MsgType tags every wire message.
type MsgType string

// Client -> Hub.
const (
	TypeIdentify       MsgType = "identify"
	TypeRequestSync    MsgType = "request_sync"
	TypeSubmitResponse MsgType = "submit_response"
	TypePing           MsgType = "ping"
	TypeGetStats       MsgType = "get_stats"
)

// Hub -> client.
const (
	TypeWelcome           MsgType = "welcome"
	TypeIdentified        MsgType = "identified"
	TypePeerResponse      MsgType = "peer_response"
	TypeBulkUpdate        MsgType = "bulk_update"
	TypeSyncResponse      MsgType = "sync_response"
	TypeUserJoined        MsgType = "user_joined"
	TypeUserDisconnected  MsgType = "user_disconnected"
	TypeResponseConfirmed MsgType = "response_confirmed"
	TypePong              MsgType = "pong"
	TypeStats             MsgType = "stats"
	TypeError             MsgType = "error"
	TypeServerShutdown    MsgType = "server_shutdown"
)

// Message is one decoded wire message.
type Message interface {
	MsgType() MsgType
}

type Identify struct {
	Type        MsgType `json:"type"`
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
}

type RequestSync struct {
	Type MsgType `json:"type"`
}

// SubmitResponse carries a Response inline; Timestamp zero means absent and
// the Hub stamps receipt time.
type SubmitResponse struct {
	Type        MsgType `json:"type"`
	QuestionID  string  `json:"questionId"`
	Answer      string  `json:"answer"`
	Reason      string  `json:"reason,omitempty"`
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Timestamp   int64   `json:"timestamp,omitempty"`
}

type Ping struct {
	Type MsgType `json:"type"`
}

type GetStats struct {
	Type MsgType `json:"type"`
}

type Welcome struct {
	Type            MsgType `json:"type"`
	ID              string  `json:"id"`
	ServerTime      int64   `json:"serverTime"`
	ActiveUserCount int     `json:"activeUserCount"`
}

type Identified struct {
	Type        MsgType  `json:"type"`
	Success     bool     `json:"success"`
	ActiveUsers []string `json:"activeUsers"`
}

type PeerResponse struct {
	Type        MsgType `json:"type"`
	QuestionID  string  `json:"questionId"`
	Answer      string  `json:"answer"`
	Reason      string  `json:"reason,omitempty"`
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Timestamp   int64   `json:"timestamp"`
}

type BulkUpdate struct {
	Type      MsgType    `json:"type"`
	Responses []Response `json:"responses"`
}

type SyncResponse struct {
	Type        MsgType    `json:"type"`
	Responses   []Response `json:"responses"`
	ActiveUsers []string   `json:"activeUsers"`
}

type UserJoined struct {
	Type            MsgType `json:"type"`
	UserID          string  `json:"userId"`
	DisplayName     string  `json:"displayName"`
	ActiveUserCount int     `json:"activeUserCount"`
}

type UserDisconnected struct {
	Type            MsgType `json:"type"`
	UserID          string  `json:"userId"`
	ActiveUserCount int     `json:"activeUserCount"`
}

type ResponseConfirmed struct {
	Type       MsgType `json:"type"`
	QuestionID string  `json:"questionId"`
	Timestamp  int64   `json:"timestamp"`
}

type Pong struct {
	Type      MsgType `json:"type"`
	Timestamp int64   `json:"timestamp"`
}

type Stats struct {
	Type          MsgType `json:"type"`
	Connections   int     `json:"connections"`
	ActiveUsers   int     `json:"activeUsers"`
	Responses     int     `json:"responses"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

type Error struct {
	Type    MsgType `json:"type"`
	Message string  `json:"message"`
}

type ServerShutdown struct {
	Type    MsgType `json:"type"`
	Message string  `json:"message,omitempty"`
}

func (m Identify) MsgType() MsgType          { return TypeIdentify }
func (m RequestSync) MsgType() MsgType       { return TypeRequestSync }
func (m SubmitResponse) MsgType() MsgType    { return TypeSubmitResponse }
func (m Ping) MsgType() MsgType              { return TypePing }
func (m GetStats) MsgType() MsgType          { return TypeGetStats }
func (m Welcome) MsgType() MsgType           { return TypeWelcome }
func (m Identified) MsgType() MsgType        { return TypeIdentified }
func (m PeerResponse) MsgType() MsgType      { return TypePeerResponse }
func (m BulkUpdate) MsgType() MsgType        { return TypeBulkUpdate }
func (m SyncResponse) MsgType() MsgType      { return TypeSyncResponse }
func (m UserJoined) MsgType() MsgType        { return TypeUserJoined }
func (m UserDisconnected) MsgType() MsgType  { return TypeUserDisconnected }
func (m ResponseConfirmed) MsgType() MsgType { return TypeResponseConfirmed }
func (m Pong) MsgType() MsgType              { return TypePong }
func (m Stats) MsgType() MsgType             { return TypeStats }
func (m Error) MsgType() MsgType             { return TypeError }
func (m ServerShutdown) MsgType() MsgType    { return TypeServerShutdown }

// Response converts the inline submit payload into the stored entity.
func (m SubmitResponse) Response() Response {
	return Response{
		QuestionID:  m.QuestionID,
		Answer:      m.Answer,
		Reason:      m.Reason,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Timestamp:   m.Timestamp,
	}
}

// Response converts the relayed peer payload into the stored entity.
func (m PeerResponse) Response() Response {
	return Response{
		QuestionID:  m.QuestionID,
		Answer:      m.Answer,
		Reason:      m.Reason,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Timestamp:   m.Timestamp,
	}
}

// NewPeerResponse builds the broadcast payload for a stored Response.
func NewPeerResponse(r Response) PeerResponse {
	return PeerResponse{
		Type:        TypePeerResponse,
		QuestionID:  r.QuestionID,
		Answer:      r.Answer,
		Reason:      r.Reason,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		Timestamp:   r.Timestamp,
	}
}

// ErrUnknownType reports a message whose tag is outside the vocabulary. The
// payload is preserved so handlers can log it.
type ErrUnknownType struct {
	Tag string
}

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type: %q", e.Tag)
}

type envelope struct {
	Type MsgType `json:"type"`
}

// Encode serializes a message, forcing the tag to match the concrete type so
// zero-valued structs still carry it.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Identify:
		v.Type = TypeIdentify
		return json.Marshal(v)
	case RequestSync:
		v.Type = TypeRequestSync
		return json.Marshal(v)
	case SubmitResponse:
		v.Type = TypeSubmitResponse
		return json.Marshal(v)
	case Ping:
		v.Type = TypePing
		return json.Marshal(v)
	case GetStats:
		v.Type = TypeGetStats
		return json.Marshal(v)
	case Welcome:
		v.Type = TypeWelcome
		return json.Marshal(v)
	case Identified:
		v.Type = TypeIdentified
		return json.Marshal(v)
	case PeerResponse:
		v.Type = TypePeerResponse
		return json.Marshal(v)
	case BulkUpdate:
		v.Type = TypeBulkUpdate
		return json.Marshal(v)
	case SyncResponse:
		v.Type = TypeSyncResponse
		return json.Marshal(v)
	case UserJoined:
		v.Type = TypeUserJoined
		return json.Marshal(v)
	case UserDisconnected:
		v.Type = TypeUserDisconnected
		return json.Marshal(v)
	case ResponseConfirmed:
		v.Type = TypeResponseConfirmed
		return json.Marshal(v)
	case Pong:
		v.Type = TypePong
		return json.Marshal(v)
	case Stats:
		v.Type = TypeStats
		return json.Marshal(v)
	case Error:
		v.Type = TypeError
		return json.Marshal(v)
	case ServerShutdown:
		v.Type = TypeServerShutdown
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unencodable message type %T", m)
	}
}

// Decode parses one wire message into its typed variant. Unknown tags yield
// ErrUnknownType; malformed JSON yields the unmarshal error.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeIdentify:
		msg, err = decodeAs[Identify](data)
	case TypeRequestSync:
		msg, err = decodeAs[RequestSync](data)
	case TypeSubmitResponse:
		msg, err = decodeAs[SubmitResponse](data)
	case TypePing:
		msg, err = decodeAs[Ping](data)
	case TypeGetStats:
		msg, err = decodeAs[GetStats](data)
	case TypeWelcome:
		msg, err = decodeAs[Welcome](data)
	case TypeIdentified:
		msg, err = decodeAs[Identified](data)
	case TypePeerResponse:
		msg, err = decodeAs[PeerResponse](data)
	case TypeBulkUpdate:
		msg, err = decodeAs[BulkUpdate](data)
	case TypeSyncResponse:
		msg, err = decodeAs[SyncResponse](data)
	case TypeUserJoined:
		msg, err = decodeAs[UserJoined](data)
	case TypeUserDisconnected:
		msg, err = decodeAs[UserDisconnected](data)
	case TypeResponseConfirmed:
		msg, err = decodeAs[ResponseConfirmed](data)
	case TypePong:
		msg, err = decodeAs[Pong](data)
	case TypeStats:
		msg, err = decodeAs[Stats](data)
	case TypeError:
		msg, err = decodeAs[Error](data)
	case TypeServerShutdown:
		msg, err = decodeAs[ServerShutdown](data)
	default:
		return nil, ErrUnknownType{Tag: string(env.Type)}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
