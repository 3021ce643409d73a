package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-drawboard/internal/types"
)

func (db *PgDrawboardRepository) Ping() error {
	return db.conn.Ping()
}

// SaveDrawing appends a new version of the room's stroke log and prunes
// versions beyond the retention limit.
func (db *PgDrawboardRepository) SaveDrawing(roomId string, strokes []types.Stroke) error {
	if strokes == nil {
		strokes = []types.Stroke{}
	}

	data, err := json.Marshal(strokes)
	if err != nil {
		return fmt.Errorf("marshal strokes: %w", err)
	}

	now := time.Now().UTC()
	if _, err := db.conn.Exec(
		"INSERT INTO drawings (room_id, data, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3)",
		roomId,
		data,
		now,
	); err != nil {
		return fmt.Errorf("insert drawing: %w", err)
	}

	if _, err := db.conn.Exec(
		"DELETE FROM drawings WHERE room_id = $1 AND id NOT IN "+
			"(SELECT id FROM drawings WHERE room_id = $1 ORDER BY updated_at DESC, id DESC LIMIT $2)",
		roomId,
		maxVersions,
	); err != nil {
		return fmt.Errorf("prune drawings: %w", err)
	}

	return nil
}

func (db *PgDrawboardRepository) GetLatestDrawing(roomId string) (Drawing, error) {
	row := db.conn.QueryRow(
		"SELECT id, room_id, data, created_at, updated_at FROM drawings "+
			"WHERE room_id = $1 ORDER BY updated_at DESC, id DESC LIMIT 1",
		roomId,
	)

	var d Drawing
	var data []byte
	err := row.Scan(
		&d.Id,
		&d.RoomId,
		&data,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Drawing{}, ErrNotFound
		}
		return Drawing{}, err
	}

	if err := json.Unmarshal(data, &d.Strokes); err != nil {
		return Drawing{}, fmt.Errorf("unmarshal strokes: %w", err)
	}

	return d, nil
}

func (db *PgDrawboardRepository) DeleteDrawing(roomId string) error {
	_, err := db.conn.Exec("DELETE FROM drawings WHERE room_id = $1", roomId)
	return err
}

func (db *PgDrawboardRepository) GetDrawingHistory(roomId string, limit int) ([]DrawingVersion, error) {
	if limit <= 0 || limit > maxVersions {
		limit = maxVersions
	}

	rows, err := db.conn.Query(
		"SELECT id, jsonb_array_length(data), updated_at FROM drawings "+
			"WHERE room_id = $1 ORDER BY updated_at DESC, id DESC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []DrawingVersion
	for rows.Next() {
		var v DrawingVersion
		if err := rows.Scan(&v.Id, &v.StrokeCount, &v.UpdatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	return versions, rows.Err()
}
