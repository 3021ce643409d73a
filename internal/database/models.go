package database

import (
	"time"

	"github.com/npezzotti/go-drawboard/internal/types"
)

type Drawing struct {
	Id        int
	RoomId    string
	Strokes   []types.Stroke
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DrawingVersion struct {
	Id          int
	StrokeCount int
	UpdatedAt   time.Time
}
