package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory records the calls the hub makes to the user directory.
type fakeDirectory struct {
	mu     sync.Mutex
	names  map[string]string
	wins   map[string]int
	losses map[string]int
	online map[string]bool
	fail   bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		names:  map[string]string{"u1": "alice", "u2": "bob"},
		wins:   map[string]int{},
		losses: map[string]int{},
		online: map[string]bool{},
	}
}

var errDirectoryDown = errors.New("directory down")

func (d *fakeDirectory) IncrementWins(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errDirectoryDown
	}
	d.wins[id]++
	return nil
}

func (d *fakeDirectory) IncrementLosses(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errDirectoryDown
	}
	d.losses[id]++
	return nil
}

func (d *fakeDirectory) SetOnline(id string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errDirectoryDown
	}
	d.online[id] = online
	return nil
}

func (d *fakeDirectory) Lookup(id string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.names[id]
	if !ok {
		return "", errors.New("user not found")
	}
	return name, nil
}

func (d *fakeDirectory) isOnline(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online[id]
}

func testConfig() *Config {
	return &Config{
		MaxMessageLen:   4096,
		WSTimeout:       5 * time.Second,
		PingInterval:    time.Second,
		MaxMessageQueue: 100,
		MaxRoomIDLen:    64,
		StatWorkers:     2,
		StatQueue:       100,
	}
}

func newTestHub(t *testing.T) (*Hub, *fakeDirectory) {
	t.Helper()
	return newTestHubWithConfig(t, testConfig())
}

func newTestHubWithConfig(t *testing.T, cfg *Config) (*Hub, *fakeDirectory) {
	t.Helper()
	dir := newFakeDirectory()
	h := NewHub(cfg, dir, log.New(io.Discard, "", 0))
	t.Cleanup(h.Close)
	return h, dir
}

// addTestPeer registers a peer without a WS connection and discards the
// room list it's greeted with.
func addTestPeer(t *testing.T, h *Hub) *Peer {
	t.Helper()
	p := newPeer(uuid.NewString(), nil, h)
	h.addPeer(p)
	drain(t, p)
	return p
}

type testMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// drain returns every message queued for p.
func drain(t *testing.T, p *Peer) []testMsg {
	t.Helper()
	var out []testMsg
	for {
		select {
		case b, ok := <-p.dataQ:
			if !ok {
				return out
			}
			var m testMsg
			require.NoError(t, json.Unmarshal(b, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func msgTypes(msgs []testMsg) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func findMsg(t *testing.T, msgs []testMsg, typ string) testMsg {
	t.Helper()
	for _, m := range msgs {
		if m.Type == typ {
			return m
		}
	}
	require.Failf(t, "message not found", "no %q in %v", typ, msgTypes(msgs))
	return testMsg{}
}

func countMsg(msgs []testMsg, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func decode[T any](t *testing.T, m testMsg) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(m.Data, &out))
	return out
}

func TestAddPeerSendsRoomList(t *testing.T) {
	h, _ := newTestHub(t)
	c1 := addTestPeer(t, h)
	require.NoError(t, h.createRoom(c1, "A", 3, nil))

	p := newPeer(uuid.NewString(), nil, h)
	h.addPeer(p)

	msgs := drain(t, p)
	require.Len(t, msgs, 1)
	rooms := decode[[]Summary](t, findMsg(t, msgs, TypeUpdateRooms))
	assert.Equal(t, []Summary{{ID: "A", OccupantCount: 1, BoardSize: 3}}, rooms)
}

func TestHandleReqDecodesPayloads(t *testing.T) {
	h, _ := newTestHub(t)
	c1 := addTestPeer(t, h)

	h.handleReq(peerReq{reqType: TypeCreateRoom, peer: c1,
		data: json.RawMessage(`{"roomId":"A","boardSize":5}`)})
	joined := decode[msgRoomJoined](t, findMsg(t, drain(t, c1), TypeRoomJoined))
	assert.Equal(t, msgRoomJoined{Symbol: SymbolX, BoardSize: 5, IsHost: true}, joined)

	h.handleReq(peerReq{reqType: TypeCreateRoom, peer: c1, data: json.RawMessage(`{"roomId":`)})
	errMsg := decode[string](t, findMsg(t, drain(t, c1), TypeErrorMessage))
	assert.Equal(t, ErrInvalidPayload.Error(), errMsg)
}

func TestJoinUnknownRoomSendsErrorAndList(t *testing.T) {
	h, _ := newTestHub(t)
	c1 := addTestPeer(t, h)

	h.handleReq(peerReq{reqType: TypeJoinRoom, peer: c1, data: json.RawMessage(`{"roomId":"nope"}`)})
	msgs := drain(t, c1)
	assert.Equal(t, []string{TypeErrorMessage, TypeUpdateRooms}, msgTypes(msgs))
	assert.Equal(t, ErrRoomNotFound.Error(), decode[string](t, msgs[0]))
}

func TestGetRoomsRepliesToSenderOnly(t *testing.T) {
	h, _ := newTestHub(t)
	c1 := addTestPeer(t, h)
	c2 := addTestPeer(t, h)

	h.handleReq(peerReq{reqType: TypeGetRooms, peer: c1})
	assert.Equal(t, []string{TypeUpdateRooms}, msgTypes(drain(t, c1)))
	assert.Empty(t, drain(t, c2))
}

func TestBindIdentityUpdatesSeat(t *testing.T) {
	h, _ := newTestHub(t)
	c1 := addTestPeer(t, h)
	require.NoError(t, h.createRoom(c1, "A", 3, nil))

	ident := &Identity{ID: "u1", DisplayName: "alice"}
	h.handleReq(peerReq{reqType: typePeerIdentity, peer: c1, identity: ident})

	assert.Equal(t, ident, c1.identity)
	seat, ok := h.rooms.Get("A").seatOf(c1)
	require.True(t, ok)
	assert.Equal(t, ident, seat.Identity)
}

func TestIdentityRefreshesOpponent(t *testing.T) {
	h, _ := newTestHub(t)
	c1, c2 := addTestPeer(t, h), addTestPeer(t, h)
	require.NoError(t, h.createRoom(c1, "A", 3, nil))
	require.NoError(t, h.joinRoom(c2, "A", nil))
	drain(t, c1)
	drain(t, c2)

	h.handleReq(peerReq{reqType: typePeerIdentity, peer: c1, identity: &Identity{ID: "u1", DisplayName: "alice"}})
	assert.Empty(t, drain(t, c1))

	msgs := drain(t, c2)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeOpponentData, msgs[0].Type)
	assert.Equal(t, Identity{ID: "u1", DisplayName: "alice"}, decode[Identity](t, msgs[0]))

	// Nobody to tell in a room that isn't full.
	c3 := addTestPeer(t, h)
	require.NoError(t, h.createRoom(c3, "B", 3, nil))
	drain(t, c3)
	h.handleReq(peerReq{reqType: typePeerIdentity, peer: c3, identity: &Identity{ID: "u2", DisplayName: "bob"}})
	assert.Empty(t, drain(t, c3))
}

func TestPresenceCountsConnections(t *testing.T) {
	h, dir := newTestHub(t)

	h.trackPresence("u1", true)
	h.trackPresence("u1", true)
	assert.True(t, dir.isOnline("u1"))

	// One of two tabs closing leaves the user online.
	h.trackPresence("u1", false)
	assert.True(t, dir.isOnline("u1"))

	h.trackPresence("u1", false)
	assert.False(t, dir.isOnline("u1"))

	// Unbalanced offline updates are ignored.
	h.trackPresence("u1", false)
	h.trackPresence("u1", true)
	assert.True(t, dir.isOnline("u1"))
}

func TestPeerRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMessages = 3
	cfg.RateLimitInterval = time.Second
	h, _ := newTestHubWithConfig(t, cfg)
	p := newPeer("p1", nil, h)

	now := time.Now()
	for i := 0; i < 3; i++ {
		assert.True(t, p.allow(now.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.False(t, p.allow(now.Add(10*time.Millisecond)))

	// A new window starts once the interval has passed.
	assert.True(t, p.allow(now.Add(time.Second)))

	// No limit when unset.
	h2, _ := newTestHub(t)
	p = newPeer("p2", nil, h2)
	for i := 0; i < 100; i++ {
		assert.True(t, p.allow(now))
	}
}

func TestRunStopsAndClosesPeers(t *testing.T) {
	h, _ := newTestHub(t)
	c1 := addTestPeer(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	assert.True(t, c1.closed)
	_, ok := <-c1.dataQ
	assert.False(t, ok)

	// Requests after shutdown are discarded instead of blocking.
	h.queueReq(peerReq{reqType: TypeGetRooms, peer: c1})
}
