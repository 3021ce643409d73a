package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-drawboard/internal/database"
	"github.com/npezzotti/go-drawboard/internal/server"
	"github.com/npezzotti/go-drawboard/internal/types"
)

const historyLimit = 10

type RoomListResponse struct {
	Rooms []types.RoomInfo `json:"rooms"`
}

type RoomResponse struct {
	RoomId      string   `json:"room_id"`
	UsersCount  int      `json:"users_count"`
	StrokeCount int      `json:"stroke_count"`
	Users       []string `json:"users"`
}

type ExportResponse struct {
	RoomId      string         `json:"room_id"`
	Strokes     []types.Stroke `json:"strokes"`
	UsersCount  int            `json:"users_count,omitempty"`
	ExportDate  time.Time      `json:"export_date"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`
}

type ImportRequest struct {
	Strokes []types.Stroke `json:"strokes"`
}

type ImportResponse struct {
	Success     bool   `json:"success"`
	RoomId      string `json:"room_id"`
	StrokeCount int    `json:"stroke_count"`
}

type HistoryEntry struct {
	Id          int       `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	StrokeCount int       `json:"stroke_count"`
}

type HistoryResponse struct {
	RoomId  string         `json:"room_id"`
	History []HistoryEntry `json:"history"`
}

func (s *DrawboardApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *DrawboardApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *DrawboardApp) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.ds.Rooms()
	if rooms == nil {
		rooms = []types.RoomInfo{}
	}

	s.writeJson(w, http.StatusOK, RoomListResponse{Rooms: rooms})
}

func (s *DrawboardApp) getRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	room := s.ds.Room(roomId)
	if room == nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	usersCount, strokeCount := room.Counts()
	users := make([]string, 0, usersCount)
	for _, u := range room.UserList() {
		users = append(users, u.Id)
	}

	s.writeJson(w, http.StatusOK, RoomResponse{
		RoomId:      roomId,
		UsersCount:  usersCount,
		StrokeCount: strokeCount,
		Users:       users,
	})
}

func (s *DrawboardApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	// evict the live room first so remaining sessions get a room-deleted
	// notice before the durable record disappears
	if _, err := s.ds.UnloadRoom(r.Context(), roomId, true); err != nil {
		s.log.Println("unload room:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteDrawing(roomId); err != nil {
		s.log.Println("delete drawing:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *DrawboardApp) exportRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	if room := s.ds.Room(roomId); room != nil {
		usersCount, _ := room.Counts()
		s.writeJson(w, http.StatusOK, ExportResponse{
			RoomId:     roomId,
			Strokes:    room.StateSnapshot(),
			UsersCount: usersCount,
			ExportDate: time.Now().UTC(),
		})
		return
	}

	drawing, err := s.db.GetLatestDrawing(roomId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			s.log.Println("get latest drawing:", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, ExportResponse{
		RoomId:      roomId,
		Strokes:     drawing.Strokes,
		ExportDate:  time.Now().UTC(),
		LastUpdated: drawing.UpdatedAt,
	})
}

func (s *DrawboardApp) importRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")
	if !server.ValidRoomId(roomId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Strokes == nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.ds.ImportRoom(r.Context(), roomId, req.Strokes); err != nil {
		s.log.Println("import room:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, ImportResponse{
		Success:     true,
		RoomId:      roomId,
		StrokeCount: len(req.Strokes),
	})
}

func (s *DrawboardApp) roomHistory(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	versions, err := s.db.GetDrawingHistory(roomId, historyLimit)
	if err != nil {
		s.log.Println("get drawing history:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	history := make([]HistoryEntry, 0, len(versions))
	for _, v := range versions {
		history = append(history, HistoryEntry{
			Id:          v.Id,
			Timestamp:   v.UpdatedAt,
			StrokeCount: v.StrokeCount,
		})
	}

	s.writeJson(w, http.StatusOK, HistoryResponse{
		RoomId:  roomId,
		History: history,
	})
}

func (s *DrawboardApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client, err := server.NewClient(conn, s.ds, s.log)
	if err != nil {
		s.log.Println("error creating client:", err)
		conn.Close()
		return
	}

	s.ds.RegisterClient(client)
	go client.Write()
	go client.Read()
}
