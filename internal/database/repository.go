package database

import (
	"errors"

	"github.com/npezzotti/go-drawboard/internal/types"
)

// ErrNotFound is returned when no drawing record exists for a room.
var ErrNotFound = errors.New("drawing not found")

// maxVersions is the number of durable versions retained per room.
const maxVersions = 10

type DrawboardRepository interface {
	Ping() error
	SaveDrawing(roomId string, strokes []types.Stroke) error
	GetLatestDrawing(roomId string) (Drawing, error)
	DeleteDrawing(roomId string) error
	GetDrawingHistory(roomId string, limit int) ([]DrawingVersion, error)
}
