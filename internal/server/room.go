package server

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-drawboard/internal/database"
	"github.com/npezzotti/go-drawboard/internal/types"
)

// idleRoomTimeout unloads rooms that never receive a join, e.g. rooms
// created by an administrative import.
const idleRoomTimeout = time.Second * 30

const maxRoomIdLen = 100

func ValidRoomId(id string) bool {
	return id != "" && utf8.RuneCountInString(id) <= maxRoomIdLen
}

type exitReq struct {
	deleted  bool
	shutdown bool
	done     chan bool
}

type importReq struct {
	strokes []types.Stroke
	done    chan error
}

type participant struct {
	connectionId string
	joinedAt     time.Time
}

type Room struct {
	roomId string
	ds     *DrawServer
	log    *log.Logger

	joinChan      chan *ClientMessage
	leaveChan     chan *Client
	clientMsgChan chan *ClientMessage
	importChan    chan importReq
	// exit is used to signal the room to exit
	exit chan exitReq

	// clients is owned by the room goroutine
	clients map[*Client]struct{}

	// stateLock guards users, strokes, history and cursor. Mutations happen
	// only on the room goroutine; admin reads take a possibly-torn snapshot.
	stateLock sync.RWMutex
	users     map[string]participant
	strokes   []types.Stroke
	history   [][]types.Stroke
	cursor    int

	// dirty is set by any mutation since the last durable write
	dirty bool

	flushTimer   *time.Timer
	flushPending bool
	// killTimer is used to automatically unload the room when it is empty
	killTimer *time.Timer
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.roomId)
	r.loadState()

	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.flushTimer = time.NewTimer(r.ds.flushInterval)
	r.flushTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case c := <-r.leaveChan:
			r.handleLeave(c)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Stroke != nil:
				r.handleStroke(msg)
			case msg.Undo != nil:
				r.handleUndo()
			case msg.Redo != nil:
				r.handleRedo()
			case msg.Clear != nil:
				r.handleClear()
			case msg.RequestState != nil:
				r.handleRequestState(msg)
			}
		case req := <-r.importChan:
			r.handleImport(req)
		case <-r.flushTimer.C:
			r.handleFlushTimer()
		case <-r.killTimer.C:
			r.handleIdleTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

// loadState seeds the stroke log from the latest durable record, if any.
// It runs before the room processes its first message, so joins queued
// during the load observe the loaded state.
func (r *Room) loadState() {
	d, err := r.ds.db.GetLatestDrawing(r.roomId)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			r.log.Printf("load room %q: %v", r.roomId, err)
		}
		return
	}

	strokes := d.Strokes
	if strokes == nil {
		strokes = []types.Stroke{}
	}

	r.stateLock.Lock()
	r.strokes = strokes
	r.history = [][]types.Stroke{strokes}
	r.cursor = 0
	r.stateLock.Unlock()
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()

	c := join.client
	if !c.bindRoom(r) {
		c.queueMessage(ErrAlreadyInRoom(join.Id))
		if len(r.clients) == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		return
	}

	// the session's identity is assigned here, not on the read pump, so all
	// accesses happen on the goroutine of the room the client bound to
	c.userId = join.Join.UserId

	r.clients[c] = struct{}{}

	r.stateLock.Lock()
	r.users[c.userId] = participant{connectionId: c.id, joinedAt: Now()}
	usersCount := len(r.users)
	r.stateLock.Unlock()

	// join ack carries the server timestamp for latency calculation
	c.queueMessage(NoErrOK(join.Id))
	c.queueMessage(r.stateMessage())

	r.broadcast(&ServerMessage{
		Notification: &Notification{
			UserJoined: &UserPresence{
				RoomId:     r.roomId,
				UserId:     c.userId,
				UsersCount: usersCount,
			},
		},
		SkipClient: c,
	})

	r.log.Printf("user %q joined room %q", c.userId, r.roomId)
}

func (r *Room) handleLeave(c *Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.clearRoom()

	r.stateLock.Lock()
	if p, ok := r.users[c.userId]; ok && p.connectionId == c.id {
		delete(r.users, c.userId)
	}
	usersCount := len(r.users)
	r.stateLock.Unlock()

	r.broadcast(&ServerMessage{
		Notification: &Notification{
			UserLeft: &UserPresence{
				RoomId:     r.roomId,
				UserId:     c.userId,
				UsersCount: usersCount,
			},
		},
	})

	if len(r.clients) == 0 {
		r.requestUnload()
	}
}

func (r *Room) handleStroke(msg *ClientMessage) {
	in := msg.Stroke
	if len(in.Points) == 0 {
		msg.client.queueMessage(ErrInvalidStroke(msg.Id))
		return
	}

	kind := in.Kind
	if kind == "" {
		kind = types.StrokeKindFreehand
	}

	committed := r.commitStroke(types.Stroke{
		Points:     in.Points,
		Color:      in.Color,
		Width:      in.Width,
		Kind:       kind,
		UserId:     msg.client.userId,
		ClientTime: in.ClientTime,
	})

	// ack goes to the author only, never before the in-memory commit
	msg.client.queueMessage(StrokeAccepted(msg.Id, committed.Timestamp, committed.SequenceId))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: committed.Timestamp,
		},
		Stroke: &committed,
	})

	r.ds.stats.Incr(statNumStrokesCommitted)
	r.scheduleFlush()
}

func (r *Room) handleUndo() {
	strokes, ok := r.undoStroke()
	if !ok {
		return
	}

	r.broadcast(&ServerMessage{
		CanvasState: &CanvasState{
			RoomId:  r.roomId,
			Strokes: strokes,
		},
	})
}

func (r *Room) handleRedo() {
	strokes, ok := r.redoStroke()
	if !ok {
		return
	}

	r.broadcast(&ServerMessage{
		CanvasState: &CanvasState{
			RoomId:  r.roomId,
			Strokes: strokes,
		},
	})
}

func (r *Room) handleClear() {
	r.clearCanvas()

	r.broadcast(&ServerMessage{
		Notification: &Notification{
			CanvasCleared: &CanvasCleared{RoomId: r.roomId},
		},
	})
}

func (r *Room) handleRequestState(msg *ClientMessage) {
	msg.client.queueMessage(r.stateMessage())
}

func (r *Room) handleImport(req importReq) {
	r.replaceAll(req.strokes)

	// the import supersedes any pending debounced flush
	r.flushTimer.Stop()
	r.flushPending = false

	r.broadcast(&ServerMessage{
		CanvasState: &CanvasState{
			RoomId:  r.roomId,
			Strokes: r.StateSnapshot(),
		},
	})

	err := r.flush()
	if req.done != nil {
		req.done <- err
	}
}

func (r *Room) handleFlushTimer() {
	r.flushPending = false
	if !r.ds.enqueueFlush(r.roomId, r.StateSnapshot()) {
		r.log.Printf("flush queue full for room %q, rescheduling", r.roomId)
		r.scheduleFlush()
		return
	}

	r.stateLock.Lock()
	r.dirty = false
	r.stateLock.Unlock()
}

func (r *Room) handleIdleTimeout() {
	r.log.Printf("room %q idle, requesting unload", r.roomId)
	r.requestUnload()
}

// handleRoomExit tears the room down. It reports false, leaving the room
// running, when a non-forced teardown raced with a new join.
func (r *Room) handleRoomExit(e exitReq) bool {
	if !e.deleted && !e.shutdown &&
		(len(r.clients) > 0 || len(r.joinChan) > 0 || len(r.importChan) > 0) {
		if e.done != nil {
			e.done <- false
		}
		return false
	}

	r.log.Printf("room %q is exiting", r.roomId)
	r.flushTimer.Stop()
	r.killTimer.Stop()

	if e.deleted {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.roomId},
			},
		})
	}

	for c := range r.clients {
		c.clearRoom()
		delete(r.clients, c)
	}

	// final synchronous flush, unless the room's record is being deleted
	if !e.deleted {
		if err := r.flush(); err != nil {
			r.log.Printf("final flush for room %q: %v", r.roomId, err)
		}
	}

	if e.done != nil {
		e.done <- true
	}
	return true
}

func (r *Room) requestUnload() {
	select {
	case r.ds.unloadRoomChan <- unloadRoomRequest{roomId: r.roomId}:
	default:
		// retry on the idle timer
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) scheduleFlush() {
	if r.flushPending {
		return
	}
	r.flushPending = true
	r.flushTimer.Reset(r.ds.flushInterval)
}

// flush writes the current stroke log synchronously, skipping the write if
// nothing changed since the last one.
func (r *Room) flush() error {
	r.stateLock.Lock()
	dirty := r.dirty || r.flushPending
	r.dirty = false
	r.stateLock.Unlock()

	if !dirty {
		return nil
	}

	if err := r.ds.db.SaveDrawing(r.roomId, r.StateSnapshot()); err != nil {
		return err
	}

	r.ds.stats.Incr(statNumFlushes)
	return nil
}

func (r *Room) broadcast(msg *ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}

// commitStroke assigns the next sequence number and server timestamp,
// discards any redo branch and appends a new history snapshot.
func (r *Room) commitStroke(s types.Stroke) types.Stroke {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	s.SequenceId = len(r.strokes)
	s.Timestamp = Now()

	next := make([]types.Stroke, 0, len(r.strokes)+1)
	next = append(next, r.strokes...)
	next = append(next, s)

	r.history = append(r.history[:r.cursor+1:r.cursor+1], next)
	r.cursor = len(r.history) - 1
	r.strokes = next
	r.dirty = true

	return s
}

func (r *Room) undoStroke() ([]types.Stroke, bool) {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	if r.cursor <= 0 {
		return nil, false
	}

	r.cursor--
	r.strokes = r.history[r.cursor]
	r.dirty = true
	return copyStrokes(r.strokes), true
}

func (r *Room) redoStroke() ([]types.Stroke, bool) {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	if r.cursor >= len(r.history)-1 {
		return nil, false
	}

	r.cursor++
	r.strokes = r.history[r.cursor]
	r.dirty = true
	return copyStrokes(r.strokes), true
}

// clearCanvas is irreversible: the history is reset, so no redo can
// resurrect pre-clear strokes.
func (r *Room) clearCanvas() {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	r.strokes = []types.Stroke{}
	r.history = [][]types.Stroke{r.strokes}
	r.cursor = 0
	r.dirty = true
}

// replaceAll installs the given stroke log verbatim as the sole history
// snapshot. Used by the administrative import.
func (r *Room) replaceAll(strokes []types.Stroke) {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()

	cp := copyStrokes(strokes)
	r.strokes = cp
	r.history = [][]types.Stroke{cp}
	r.cursor = 0
	r.dirty = true
}

func (r *Room) RoomId() string {
	return r.roomId
}

func (r *Room) Counts() (usersCount, strokeCount int) {
	r.stateLock.RLock()
	defer r.stateLock.RUnlock()
	return len(r.users), len(r.strokes)
}

func (r *Room) StateSnapshot() []types.Stroke {
	r.stateLock.RLock()
	defer r.stateLock.RUnlock()
	return copyStrokes(r.strokes)
}

func (r *Room) UserList() []types.User {
	r.stateLock.RLock()
	defer r.stateLock.RUnlock()

	users := make([]types.User, 0, len(r.users))
	for id, p := range r.users {
		users = append(users, types.User{
			Id:           id,
			ConnectionId: p.connectionId,
			JoinedAt:     p.joinedAt,
		})
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].Id < users[j].Id
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})

	return users
}

func (r *Room) stateMessage() *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		RoomState: &types.RoomState{
			RoomId:    r.roomId,
			Strokes:   r.StateSnapshot(),
			Users:     r.UserList(),
			Timestamp: Now(),
		},
	}
}

func copyStrokes(strokes []types.Stroke) []types.Stroke {
	cp := make([]types.Stroke, len(strokes))
	copy(cp, strokes)
	return cp
}
