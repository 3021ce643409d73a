package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-drawboard/internal/database"
	"github.com/npezzotti/go-drawboard/internal/stats"
	"github.com/npezzotti/go-drawboard/internal/testutil"
	"github.com/npezzotti/go-drawboard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestDrawServer(t *testing.T, db database.DrawboardRepository, su *stats.MockStatsUpdater) *DrawServer {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	ds, err := NewDrawServer(logger, db, su, DefaultFlushInterval)
	if err != nil {
		t.Fatalf("failed to create test DrawServer: %v", err)
	}
	return ds
}

func recvMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func testStrokeLog(n int) []types.Stroke {
	strokes := make([]types.Stroke, n)
	for i := range strokes {
		s := testStroke("alice")
		s.SequenceId = i
		strokes[i] = s
	}
	return strokes
}

func stopRoom(t *testing.T, room *Room) {
	t.Helper()
	done := make(chan bool, 1)
	select {
	case room.exit <- exitReq{shutdown: true, done: done}:
		<-done
	case <-time.After(time.Second):
		t.Fatal("timed out stopping room")
	}
}

func TestNewDrawServer(t *testing.T) {
	db := &database.MockDrawboardRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	ds, err := NewDrawServer(logger, db, su, 0)
	assert.NoError(t, err, "expected no error creating DrawServer")
	assert.NotNil(t, ds, "expected DrawServer to be non-nil")
	assert.Equal(t, logger, ds.log, "expected logger to be set")
	assert.Equal(t, db, ds.db, "expected database repository to be set")
	assert.Equal(t, DefaultFlushInterval, ds.flushInterval, "expected default flush interval")
	assert.NotNil(t, ds.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, ds.unloadRoomChan, "expected unloadRoomChan to be initialized")
	assert.NotNil(t, ds.flushChan, "expected flushChan to be initialized")
	assert.NotNil(t, ds.stop, "expected stop channel to be initialized")
	assert.NotNil(t, ds.clients, "expected clients map to be initialized")
	assert.NotNil(t, ds.rooms, "expected rooms map to be initialized")
}

func TestDrawServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		ds := newTestDrawServer(t, &database.MockDrawboardRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-ds.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := ds.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		ds := newTestDrawServer(t, &database.MockDrawboardRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-ds.stop:
				// never close req.done to simulate a hang
			case <-time.After(time.Second):
				t.Error("expected signal on stop chan")
			}
		}()

		err := ds.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestDrawServerShutdown_Integration(t *testing.T) {
	t.Run("successful shutdown with no rooms", func(t *testing.T) {
		ds := newTestDrawServer(t, &database.MockDrawboardRepository{}, &stats.MockStatsUpdater{})
		go ds.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := ds.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("successful shutdown with live rooms", func(t *testing.T) {
		db := &database.MockDrawboardRepository{}
		db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Decr", statNumActiveRooms).Once()
		defer su.AssertExpectations(t)

		ds := newTestDrawServer(t, db, su)
		go ds.Run()

		room := ds.newRoom("r1")
		ds.addRoom(room)
		go room.start()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := ds.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown with live rooms")

		_, ok := ds.lookupRoom("r1")
		assert.False(t, ok, "expected room to be unloaded after shutdown")
	})
}

func TestDrawServer_addClient_removeClient(t *testing.T) {
	ds := newTestDrawServer(t, &database.MockDrawboardRepository{}, &stats.MockStatsUpdater{})

	client := newTestClient(t, "alice")
	ds.addClient(client)
	assert.Len(t, ds.clients, 1, "expected 1 client after adding")
	assert.Contains(t, ds.clients, client, "expected client to be added to clients map")

	ds.removeClient(client)
	assert.Len(t, ds.clients, 0, "expected 0 clients after removing")
}

func Test_handleJoin_createsRoomOnce(t *testing.T) {
	db := &database.MockDrawboardRepository{}
	db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statNumActiveRooms).Once()
	defer su.AssertExpectations(t)

	ds := newTestDrawServer(t, db, su)

	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")

	for _, c := range []*Client{alice, bob} {
		ds.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: "r1", UserId: c.userId},
			client:      c,
		})
	}

	ds.roomsLock.RLock()
	numRooms := len(ds.rooms)
	ds.roomsLock.RUnlock()
	assert.Equal(t, 1, numRooms, "expected a single room for two joiners of the same id")

	for _, c := range []*Client{alice, bob} {
		ack := recvMessage(t, c)
		require.NotNil(t, ack.Response, "expected a join ack")
		assert.Equal(t, 200, ack.Response.ResponseCode)

		state := recvMessage(t, c)
		require.NotNil(t, state.RoomState, "expected a room state snapshot")
		assert.Equal(t, "r1", state.RoomState.RoomId)
	}

	room, ok := ds.lookupRoom("r1")
	require.True(t, ok)
	stopRoom(t, room)
}

func Test_rapidRepeatedJoins_bindOnce(t *testing.T) {
	db := &database.MockDrawboardRepository{}
	db.On("GetLatestDrawing", mock.Anything).Return(database.Drawing{}, database.ErrNotFound)
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statNumActiveRooms).Times(2)
	su.On("Decr", statNumActiveRooms).Times(2)
	defer su.AssertExpectations(t)

	ds := newTestDrawServer(t, db, su)
	go ds.Run()

	c := newTestClient(t, "")
	c.ds = ds

	// both joins are queued before either room binds the client
	for i, roomId := range []string{"r1", "r2"} {
		ds.joinChan <- &ClientMessage{
			BaseMessage: BaseMessage{Id: i + 1},
			Join:        &Join{RoomId: roomId, UserId: "alice"},
			client:      c,
		}
	}

	// one join wins (ack + state), the other is refused
	var codes []int
	for i := 0; i < 3; i++ {
		msg := recvMessage(t, c)
		if msg.Response != nil {
			codes = append(codes, msg.Response.ResponseCode)
		}
	}
	assert.ElementsMatch(t, []int{200, 409}, codes)
	assert.Equal(t, "alice", c.userId, "expected identity from the winning join")
	assert.NotNil(t, c.getRoom(), "expected the client bound to exactly one room")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ds.Shutdown(ctx))
}

func Test_concurrentStrokes_uniqueSequenceNumbers(t *testing.T) {
	const strokesPerUser = 20

	db := &database.MockDrawboardRepository{}
	db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
	db.On("SaveDrawing", "r1", mock.Anything).Return(nil)
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statNumActiveRooms).Once()
	su.On("Incr", statNumStrokesCommitted).Times(2 * strokesPerUser)
	su.On("Incr", statNumFlushes).Maybe()
	defer su.AssertExpectations(t)

	ds := newTestDrawServer(t, db, su)

	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")

	for _, c := range []*Client{alice, bob} {
		ds.handleJoin(&ClientMessage{
			Join:   &Join{RoomId: "r1", UserId: c.userId},
			client: c,
		})
	}

	room, ok := ds.lookupRoom("r1")
	require.True(t, ok)

	var wg sync.WaitGroup
	for _, c := range []*Client{alice, bob} {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < strokesPerUser; i++ {
				room.clientMsgChan <- &ClientMessage{
					Stroke: &StrokeInput{Points: []types.Point{{X: float64(i), Y: 0}}},
					client: c,
				}
			}
		}(c)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, c := range []*Client{alice, bob} {
		acks := 0
		for acks < strokesPerUser {
			msg := recvMessage(t, c)
			if msg.Response == nil || msg.Response.Ack == nil {
				continue
			}
			require.True(t, msg.Response.Ack.Success)
			assert.False(t, seen[msg.Response.Ack.SequenceId],
				"expected sequence number %d to be assigned once", msg.Response.Ack.SequenceId)
			seen[msg.Response.Ack.SequenceId] = true
			acks++
		}
	}

	require.Len(t, seen, 2*strokesPerUser)
	for i := 0; i < 2*strokesPerUser; i++ {
		assert.True(t, seen[i], "expected gap-free sequence numbers, missing %d", i)
	}

	stopRoom(t, room)
}

func TestUnloadRoom_deleted(t *testing.T) {
	db := &database.MockDrawboardRepository{}
	db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statNumActiveRooms).Once()
	su.On("Decr", statNumActiveRooms).Once()
	su.On("Incr", statNumStrokesCommitted).Once()
	defer su.AssertExpectations(t)

	ds := newTestDrawServer(t, db, su)
	go ds.Run()

	c := newTestClient(t, "alice")
	ds.joinChan <- &ClientMessage{
		Join:   &Join{RoomId: "r1", UserId: "alice"},
		client: c,
	}

	// wait for the join ack so the room is live before deleting it
	ack := recvMessage(t, c)
	require.NotNil(t, ack.Response)
	recvMessage(t, c)

	room, ok := ds.lookupRoom("r1")
	require.True(t, ok)
	room.clientMsgChan <- &ClientMessage{
		Stroke: &StrokeInput{Points: []types.Point{{X: 1, Y: 1}}},
		client: c,
	}
	recvMessage(t, c)
	recvMessage(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unloaded, err := ds.UnloadRoom(ctx, "r1", true)
	assert.NoError(t, err)
	assert.True(t, unloaded, "expected a live room to be unloaded")

	msg := recvMessage(t, c)
	require.NotNil(t, msg.Notification, "expected a room-deleted notification")
	assert.NotNil(t, msg.Notification.RoomDeleted)

	_, ok = ds.lookupRoom("r1")
	assert.False(t, ok, "expected room removed from the registry")
	db.AssertNotCalled(t, "SaveDrawing", "r1", mock.Anything)

	unloaded, err = ds.UnloadRoom(ctx, "r1", true)
	assert.NoError(t, err)
	assert.False(t, unloaded, "expected no-op unloading a room that is not live")

	require.NoError(t, ds.Shutdown(ctx))
}

func Test_deletedRoom_dropsQueuedFlush(t *testing.T) {
	release := make(chan struct{})
	db := &database.MockDrawboardRepository{}
	db.On("SaveDrawing", "blocker", mock.Anything).Return(nil).Once().
		Run(func(mock.Arguments) { <-release })
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statNumFlushes).Once()
	defer su.AssertExpectations(t)

	ds := newTestDrawServer(t, db, su)
	go ds.Run()

	// wedge the write-behind worker so the next request stays queued
	require.True(t, ds.enqueueFlush("blocker", nil))
	require.True(t, ds.enqueueFlush("victim", testStrokeLog(3)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ds.UnloadRoom(ctx, "victim", true)
	require.NoError(t, err)

	close(release)
	require.NoError(t, ds.Shutdown(ctx))

	db.AssertNotCalled(t, "SaveDrawing", "victim", mock.Anything)
}

func Test_recreatedRoom_flushesAgain(t *testing.T) {
	saved := make(chan struct{})
	db := &database.MockDrawboardRepository{}
	db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
	db.On("SaveDrawing", "r1", mock.Anything).Return(nil).Once().
		Run(func(mock.Arguments) { close(saved) })
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statNumActiveRooms).Once()
	su.On("Decr", statNumActiveRooms).Once()
	su.On("Incr", statNumFlushes).Once()
	defer su.AssertExpectations(t)

	ds := newTestDrawServer(t, db, su)
	go ds.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ds.UnloadRoom(ctx, "r1", true)
	require.NoError(t, err)

	// a fresh join resumes durable writes for the id
	c := newTestClient(t, "")
	ds.joinChan <- &ClientMessage{
		Join:   &Join{RoomId: "r1", UserId: "alice"},
		client: c,
	}
	recvMessage(t, c)
	recvMessage(t, c)

	require.True(t, ds.enqueueFlush("r1", testStrokeLog(1)))
	select {
	case <-saved:
	case <-time.After(time.Second):
		t.Fatal("expected the flush for the recreated room to be written")
	}

	require.NoError(t, ds.Shutdown(ctx))
}

func Test_lastLeave_flushesAndUnloads(t *testing.T) {
	db := &database.MockDrawboardRepository{}
	db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
	db.On("SaveDrawing", "r1", mock.MatchedBy(func(strokes []types.Stroke) bool {
		return len(strokes) == 1
	})).Return(nil).Once()
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statNumActiveRooms).Once()
	su.On("Decr", statNumActiveRooms).Once()
	su.On("Incr", statNumStrokesCommitted).Once()
	su.On("Incr", statNumFlushes).Once()
	defer su.AssertExpectations(t)

	ds := newTestDrawServer(t, db, su)
	go ds.Run()

	c := newTestClient(t, "alice")
	ds.joinChan <- &ClientMessage{
		Join:   &Join{RoomId: "r1", UserId: "alice"},
		client: c,
	}
	recvMessage(t, c)
	recvMessage(t, c)

	room, ok := ds.lookupRoom("r1")
	require.True(t, ok)
	room.clientMsgChan <- &ClientMessage{
		Stroke: &StrokeInput{Points: []types.Point{{X: 1, Y: 1}}},
		client: c,
	}
	recvMessage(t, c)
	recvMessage(t, c)

	room.leaveChan <- c

	assert.Eventually(t, func() bool {
		_, ok := ds.lookupRoom("r1")
		return !ok
	}, time.Second, 10*time.Millisecond, "expected empty room to be unloaded")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ds.Shutdown(ctx))
}

func TestImportRoom(t *testing.T) {
	t.Run("creates a room when none is live", func(t *testing.T) {
		imported := []types.Stroke{{
			Points: []types.Point{{X: 1, Y: 2}},
			Color:  "#000",
			Width:  1,
			Kind:   types.StrokeKindFreehand,
		}}

		db := &database.MockDrawboardRepository{}
		db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
		db.On("SaveDrawing", "r1", imported).Return(nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", statNumActiveRooms).Once()
		su.On("Decr", statNumActiveRooms).Once()
		su.On("Incr", statNumFlushes).Once()
		defer su.AssertExpectations(t)

		ds := newTestDrawServer(t, db, su)
		go ds.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		require.NoError(t, ds.ImportRoom(ctx, "r1", imported))

		room, ok := ds.lookupRoom("r1")
		require.True(t, ok, "expected import to create a live room")
		assert.Equal(t, imported, room.StateSnapshot())

		require.NoError(t, ds.Shutdown(ctx))
	})

	t.Run("replaces the state of a live room and notifies sessions", func(t *testing.T) {
		imported := []types.Stroke{{
			Points: []types.Point{{X: 1, Y: 2}},
			Color:  "#000",
			Width:  1,
			Kind:   types.StrokeKindFreehand,
		}}

		db := &database.MockDrawboardRepository{}
		db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
		db.On("SaveDrawing", "r1", imported).Return(nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", statNumActiveRooms).Once()
		su.On("Decr", statNumActiveRooms).Once()
		su.On("Incr", statNumFlushes).Once()
		defer su.AssertExpectations(t)

		ds := newTestDrawServer(t, db, su)
		go ds.Run()

		c := newTestClient(t, "alice")
		ds.joinChan <- &ClientMessage{
			Join:   &Join{RoomId: "r1", UserId: "alice"},
			client: c,
		}
		recvMessage(t, c)
		recvMessage(t, c)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		require.NoError(t, ds.ImportRoom(ctx, "r1", imported))

		msg := recvMessage(t, c)
		require.NotNil(t, msg.CanvasState, "expected a canvas-state broadcast after import")
		assert.Equal(t, imported, msg.CanvasState.Strokes)

		require.NoError(t, ds.Shutdown(ctx))
	})
}

func TestRooms(t *testing.T) {
	ds := newTestDrawServer(t, &database.MockDrawboardRepository{}, &stats.MockStatsUpdater{})

	assert.Empty(t, ds.Rooms(), "expected no rooms initially")

	room := newTestRoom(t, ds, "r1")
	room.commitStroke(testStroke("alice"))
	room.users["alice"] = participant{connectionId: "conn-alice", joinedAt: Now()}
	ds.addRoom(room)

	infos := ds.Rooms()
	require.Len(t, infos, 1)
	assert.Equal(t, types.RoomInfo{RoomId: "r1", UsersCount: 1, StrokeCount: 1}, infos[0])

	assert.NotNil(t, ds.Room("r1"), "expected live room lookup to succeed")
	assert.Nil(t, ds.Room("missing"), "expected nil for an unknown room")
}

func Test_debouncedFlush_coalescesRapidStrokes(t *testing.T) {
	saved := make(chan struct{})
	db := &database.MockDrawboardRepository{}
	db.On("GetLatestDrawing", "r1").Return(database.Drawing{}, database.ErrNotFound).Once()
	db.On("SaveDrawing", "r1", mock.MatchedBy(func(strokes []types.Stroke) bool {
		return len(strokes) == 10
	})).Return(nil).Once().Run(func(mock.Arguments) { close(saved) })
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)
	su.On("Incr", statNumActiveRooms).Once()
	su.On("Decr", statNumActiveRooms).Once()
	su.On("Incr", statNumStrokesCommitted).Times(10)
	su.On("Incr", statNumFlushes).Once()
	defer su.AssertExpectations(t)

	ds, err := NewDrawServer(testutil.TestLogger(t), db, su, 50*time.Millisecond)
	require.NoError(t, err)
	go ds.Run()

	c := newTestClient(t, "alice")
	ds.joinChan <- &ClientMessage{
		Join:   &Join{RoomId: "r1", UserId: "alice"},
		client: c,
	}
	recvMessage(t, c)
	recvMessage(t, c)

	room, ok := ds.lookupRoom("r1")
	require.True(t, ok)

	for i := 0; i < 10; i++ {
		room.clientMsgChan <- &ClientMessage{
			Stroke: &StrokeInput{Points: []types.Point{{X: float64(i), Y: 0}}},
			client: c,
		}
	}

	// a burst within the debounce window produces a single durable write
	select {
	case <-saved:
	case <-time.After(time.Second):
		t.Fatal("expected the debounced flush to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ds.Shutdown(ctx))
}
