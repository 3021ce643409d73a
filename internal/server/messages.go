package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-drawboard/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join         *Join         `json:"join,omitempty"`
	Stroke       *StrokeInput  `json:"stroke,omitempty"`
	Undo         *Undo         `json:"undo,omitempty"`
	Redo         *Redo         `json:"redo,omitempty"`
	Clear        *Clear        `json:"clear,omitempty"`
	RequestState *RequestState `json:"request_state,omitempty"`
	client       *Client
}

type Join struct {
	RoomId string `json:"room_id"`
	UserId string `json:"user_id"`
}

type StrokeInput struct {
	Points     []types.Point `json:"points"`
	Color      string        `json:"color"`
	Width      float64       `json:"width"`
	Kind       string        `json:"kind"`
	ClientTime time.Time     `json:"client_time,omitempty"`
}

type Undo struct{}

type Redo struct{}

type Clear struct{}

type RequestState struct{}

type ServerMessage struct {
	BaseMessage
	Response     *Response        `json:"response,omitempty"`
	RoomState    *types.RoomState `json:"room_state,omitempty"`
	Stroke       *types.Stroke    `json:"stroke,omitempty"`
	CanvasState  *CanvasState     `json:"canvas_state,omitempty"`
	Notification *Notification    `json:"notification,omitempty"`
	SkipClient   *Client          `json:"-"`
}

type Response struct {
	ResponseCode int        `json:"response_code"`
	Error        string     `json:"error,omitempty"`
	Ack          *StrokeAck `json:"ack,omitempty"`
}

// StrokeAck confirms a committed stroke to its author. The server timestamp
// is the client's latency-measurement primitive.
type StrokeAck struct {
	Success         bool      `json:"success"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	SequenceId      int       `json:"sequence_id"`
}

type CanvasState struct {
	RoomId  string         `json:"room_id"`
	Strokes []types.Stroke `json:"strokes"`
}

type Notification struct {
	UserJoined    *UserPresence  `json:"user_joined,omitempty"`
	UserLeft      *UserPresence  `json:"user_left,omitempty"`
	CanvasCleared *CanvasCleared `json:"canvas_cleared,omitempty"`
	RoomDeleted   *RoomDeleted   `json:"room_deleted,omitempty"`
}

type UserPresence struct {
	RoomId     string `json:"room_id"`
	UserId     string `json:"user_id"`
	UsersCount int    `json:"users_count"`
}

type CanvasCleared struct {
	RoomId string `json:"room_id"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func NoErrOK(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
		},
	}
}

func StrokeAccepted(id int, serverTimestamp time.Time, sequenceId int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Ack: &StrokeAck{
				Success:         true,
				ServerTimestamp: serverTimestamp,
				SequenceId:      sequenceId,
			},
		},
	}
}

func ErrInvalidRoom(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid room id",
		},
	}
}

func ErrNotInRoom(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "not in a room",
		},
	}
}

func ErrAlreadyInRoom(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusConflict,
			Error:        "already in a room",
		},
	}
}

func ErrInvalidStroke(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid stroke data",
			Ack:          &StrokeAck{Success: false},
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "room not found",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
