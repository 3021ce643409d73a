package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-drawboard/internal/database"
	"github.com/npezzotti/go-drawboard/internal/stats"
	"github.com/npezzotti/go-drawboard/internal/types"
)

const (
	statNumActiveRooms      = "NumActiveRooms"
	statNumConnectedClients = "NumConnectedClients"
	statNumStrokesCommitted = "NumStrokesCommitted"
	statNumFlushes          = "NumFlushes"
)

const DefaultFlushInterval = 5 * time.Second

// ErrBusy is returned when an administrative request cannot be queued.
var ErrBusy = errors.New("server busy")

type unloadRoomRequest struct {
	roomId  string
	deleted bool
	done    chan bool
}

type stopRequest struct {
	done chan struct{}
}

type serverImportRequest struct {
	roomId  string
	strokes []types.Stroke
	done    chan error
}

type flushRequest struct {
	roomId  string
	strokes []types.Stroke
}

// DrawServer is the room registry and sequencer. Its Run loop serializes
// room creation and teardown; each room runs its own goroutine serializing
// that room's mutations.
type DrawServer struct {
	log   *log.Logger
	db    database.DrawboardRepository
	stats stats.StatsProvider

	flushInterval time.Duration

	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan unloadRoomRequest
	importChan     chan serverImportRequest
	flushChan      chan flushRequest
	flushDone      chan struct{}
	stop           chan stopRequest

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	rooms       map[string]*Room
	roomsLock   sync.RWMutex

	// deletedRooms holds ids whose records were deleted while a debounced
	// flush could still be queued; the flush worker drops those requests
	deletedRooms map[string]struct{}
	deletedLock  sync.Mutex
}

func NewDrawServer(logger *log.Logger, db database.DrawboardRepository, sp stats.StatsProvider, flushInterval time.Duration) (*DrawServer, error) {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	ds := &DrawServer{
		log:            logger,
		db:             db,
		stats:          sp,
		flushInterval:  flushInterval,
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		importChan:     make(chan serverImportRequest, 16),
		flushChan:      make(chan flushRequest, 256),
		flushDone:      make(chan struct{}),
		stop:           make(chan stopRequest),
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		deletedRooms:   make(map[string]struct{}),
	}

	ds.stats.RegisterMetric(statNumActiveRooms)
	ds.stats.RegisterMetric(statNumConnectedClients)
	ds.stats.RegisterMetric(statNumStrokesCommitted)
	ds.stats.RegisterMetric(statNumFlushes)

	return ds, nil
}

func (ds *DrawServer) Run() {
	go ds.flushWorker()

	for {
		select {
		case joinMsg := <-ds.joinChan:
			ds.handleJoin(joinMsg)
		case client := <-ds.registerChan:
			ds.addClient(client)
			ds.stats.Incr(statNumConnectedClients)
		case client := <-ds.deRegisterChan:
			ds.removeClient(client)
			ds.stats.Decr(statNumConnectedClients)
		case req := <-ds.unloadRoomChan:
			ds.handleUnload(req)
		case req := <-ds.importChan:
			ds.handleImport(req)
		case req := <-ds.stop:
			ds.log.Println("shutting down rooms")
			ds.roomsLock.RLock()
			rooms := make([]*Room, 0, len(ds.rooms))
			for _, r := range ds.rooms {
				rooms = append(rooms, r)
			}
			ds.roomsLock.RUnlock()

			for _, r := range rooms {
				done := make(chan bool, 1)
				r.exit <- exitReq{shutdown: true, done: done}
				<-done
				ds.removeRoom(r.roomId)
				ds.stats.Decr(statNumActiveRooms)
			}

			close(ds.flushChan)
			<-ds.flushDone
			close(req.done)
			return
		}
	}
}

// handleJoin resolves or creates the target room and forwards the join to
// it. Room creation is serialized here, so two concurrent first-joiners can
// never construct two instances for the same id.
func (ds *DrawServer) handleJoin(joinMsg *ClientMessage) {
	roomId := joinMsg.Join.RoomId
	ds.clearDeleted(roomId)

	room, ok := ds.lookupRoom(roomId)
	if !ok {
		room = ds.newRoom(roomId)
		ds.addRoom(room)
		go room.start()
		ds.stats.Incr(statNumActiveRooms)
	}

	select {
	case room.joinChan <- joinMsg:
	default:
		ds.log.Printf("join channel full on room %q", room.roomId)
		joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
	}
}

func (ds *DrawServer) handleUnload(req unloadRoomRequest) {
	if req.deleted {
		ds.markDeleted(req.roomId)
	}

	room, ok := ds.lookupRoom(req.roomId)
	if !ok {
		if req.done != nil {
			req.done <- false
		}
		return
	}

	done := make(chan bool, 1)
	room.exit <- exitReq{deleted: req.deleted, done: done}
	exited := <-done
	if exited {
		ds.removeRoom(req.roomId)
		ds.stats.Decr(statNumActiveRooms)
	}

	if req.done != nil {
		req.done <- exited
	}
}

func (ds *DrawServer) handleImport(req serverImportRequest) {
	ds.clearDeleted(req.roomId)

	room, ok := ds.lookupRoom(req.roomId)
	if !ok {
		room = ds.newRoom(req.roomId)
		ds.addRoom(room)
		go room.start()
		ds.stats.Incr(statNumActiveRooms)
	}

	select {
	case room.importChan <- importReq{strokes: req.strokes, done: req.done}:
	default:
		ds.log.Printf("import channel full on room %q", room.roomId)
		if req.done != nil {
			req.done <- ErrBusy
		}
	}
}

// UnloadRoom evicts a live room. With deleted set, remaining sessions are
// notified the room is gone and no final flush is written. It reports
// whether a live room was actually unloaded.
func (ds *DrawServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) (bool, error) {
	req := unloadRoomRequest{
		roomId:  roomId,
		deleted: deleted,
		done:    make(chan bool, 1),
	}

	select {
	case ds.unloadRoomChan <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case unloaded := <-req.done:
		return unloaded, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ImportRoom replaces the stroke log of a live room, or creates the room,
// then persists the result and broadcasts the new canvas state.
func (ds *DrawServer) ImportRoom(ctx context.Context, roomId string, strokes []types.Stroke) error {
	req := serverImportRequest{
		roomId:  roomId,
		strokes: strokes,
		done:    make(chan error, 1),
	}

	select {
	case ds.importChan <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ds *DrawServer) RegisterClient(c *Client) {
	ds.registerChan <- c
}

// Rooms lists the live rooms for the administrative surface.
func (ds *DrawServer) Rooms() []types.RoomInfo {
	ds.roomsLock.RLock()
	defer ds.roomsLock.RUnlock()

	infos := make([]types.RoomInfo, 0, len(ds.rooms))
	for id, room := range ds.rooms {
		usersCount, strokeCount := room.Counts()
		infos = append(infos, types.RoomInfo{
			RoomId:      id,
			UsersCount:  usersCount,
			StrokeCount: strokeCount,
		})
	}

	return infos
}

// Room returns the live room for the given id, or nil.
func (ds *DrawServer) Room(roomId string) *Room {
	room, ok := ds.lookupRoom(roomId)
	if !ok {
		return nil
	}
	return room
}

func (ds *DrawServer) Shutdown(ctx context.Context) error {
	ds.log.Println("received shutdown signal")

	ds.clientsLock.Lock()
	for c := range ds.clients {
		c.stopClient()
	}
	ds.clientsLock.Unlock()

	req := stopRequest{done: make(chan struct{})}
	select {
	case ds.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushWorker drains debounced write-behind requests so commits never await
// storage.
func (ds *DrawServer) flushWorker() {
	for req := range ds.flushChan {
		// a flush queued before its room was deleted must not resurrect
		// the deleted record
		if ds.isRoomDeleted(req.roomId) {
			continue
		}

		if err := ds.db.SaveDrawing(req.roomId, req.strokes); err != nil {
			ds.log.Printf("flush room %q: %v", req.roomId, err)
			continue
		}
		ds.stats.Incr(statNumFlushes)
	}
	close(ds.flushDone)
}

func (ds *DrawServer) enqueueFlush(roomId string, strokes []types.Stroke) bool {
	select {
	case ds.flushChan <- flushRequest{roomId: roomId, strokes: strokes}:
		return true
	default:
		return false
	}
}

func (ds *DrawServer) markDeleted(roomId string) {
	ds.deletedLock.Lock()
	defer ds.deletedLock.Unlock()
	ds.deletedRooms[roomId] = struct{}{}
}

func (ds *DrawServer) clearDeleted(roomId string) {
	ds.deletedLock.Lock()
	defer ds.deletedLock.Unlock()
	delete(ds.deletedRooms, roomId)
}

func (ds *DrawServer) isRoomDeleted(roomId string) bool {
	ds.deletedLock.Lock()
	defer ds.deletedLock.Unlock()
	_, ok := ds.deletedRooms[roomId]
	return ok
}

func (ds *DrawServer) newRoom(roomId string) *Room {
	return &Room{
		roomId:        roomId,
		ds:            ds,
		log:           ds.log,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *Client, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		importChan:    make(chan importReq, 4),
		exit:          make(chan exitReq),
		clients:       make(map[*Client]struct{}),
		users:         make(map[string]participant),
		strokes:       []types.Stroke{},
		history:       [][]types.Stroke{{}},
	}
}

func (ds *DrawServer) lookupRoom(roomId string) (*Room, bool) {
	ds.roomsLock.RLock()
	defer ds.roomsLock.RUnlock()
	room, ok := ds.rooms[roomId]
	return room, ok
}

func (ds *DrawServer) addRoom(r *Room) {
	ds.roomsLock.Lock()
	defer ds.roomsLock.Unlock()
	ds.rooms[r.roomId] = r
}

func (ds *DrawServer) removeRoom(roomId string) {
	ds.roomsLock.Lock()
	defer ds.roomsLock.Unlock()
	delete(ds.rooms, roomId)
}

func (ds *DrawServer) addClient(c *Client) {
	ds.clientsLock.Lock()
	defer ds.clientsLock.Unlock()
	ds.clients[c] = struct{}{}
}

func (ds *DrawServer) removeClient(c *Client) {
	ds.clientsLock.Lock()
	defer ds.clientsLock.Unlock()
	delete(ds.clients, c)
}
