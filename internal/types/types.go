package types

import (
	"time"
)

const (
	StrokeKindFreehand  = "freehand"
	StrokeKindRectangle = "rectangle"
	StrokeKindCircle    = "circle"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Stroke struct {
	Points     []Point   `json:"points"`
	Color      string    `json:"color"`
	Width      float64   `json:"width"`
	Kind       string    `json:"kind"`
	UserId     string    `json:"user_id"`
	ClientTime time.Time `json:"client_time,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	SequenceId int       `json:"sequence_id"`
}

type User struct {
	Id           string    `json:"id"`
	ConnectionId string    `json:"connection_id"`
	JoinedAt     time.Time `json:"joined_at,omitempty"`
}

type RoomState struct {
	RoomId    string    `json:"room_id"`
	Strokes   []Stroke  `json:"strokes"`
	Users     []User    `json:"users"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomInfo struct {
	RoomId      string `json:"room_id"`
	UsersCount  int    `json:"users_count"`
	StrokeCount int    `json:"stroke_count"`
}
