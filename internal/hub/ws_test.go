package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T, cfg *Config) (*Hub, *fakeDirectory, string) {
	t.Helper()
	h, dir := newTestHubWithConfig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.AddPeer(ws)
	}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.Done()
	})
	return h, dir, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	// Every connection is greeted with the room list.
	assert.Equal(t, TypeUpdateRooms, readWS(t, ws).Type)
	return ws
}

func sendWS(t *testing.T, ws *websocket.Conn, typ string, data interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": typ, "data": data}))
}

func readWS(t *testing.T, ws *websocket.Conn) testMsg {
	t.Helper()
	var m testMsg
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) testMsg {
	t.Helper()
	for i := 0; i < 20; i++ {
		if m := readWS(t, ws); m.Type == typ {
			return m
		}
	}
	require.FailNow(t, "message not received", typ)
	return testMsg{}
}

func TestWSGame(t *testing.T) {
	_, dir, url := newWSServer(t, testConfig())
	c1, c2 := dialWS(t, url), dialWS(t, url)

	sendWS(t, c1, TypeUserConnected, map[string]string{"userId": "u1"})
	sendWS(t, c1, TypeCreateRoom, map[string]interface{}{"roomId": "A", "boardSize": 3})

	joined := decode[msgRoomJoined](t, readUntil(t, c1, TypeRoomJoined))
	assert.Equal(t, msgRoomJoined{Symbol: SymbolX, BoardSize: 3, IsHost: true}, joined)
	assert.True(t, dir.isOnline("u1"))

	sendWS(t, c2, TypeJoinRoom, map[string]string{"roomId": "A"})
	joined = decode[msgRoomJoined](t, readUntil(t, c2, TypeRoomJoined))
	assert.Equal(t, msgRoomJoined{Symbol: SymbolO, BoardSize: 3, IsHost: false}, joined)

	opp := decode[Identity](t, readUntil(t, c2, TypeOpponentData))
	assert.Equal(t, Identity{ID: "u1", DisplayName: "alice"}, opp)
	opp = decode[Identity](t, readUntil(t, c1, TypeOpponentData))
	assert.Equal(t, Identity{DisplayName: guestName}, opp)

	sendWS(t, c1, TypeSendMove, map[string]interface{}{"roomId": "A", "move": map[string]interface{}{"index": 4, "symbol": "X", "ply": 1}})
	mv := decode[msgReceiveMove](t, readUntil(t, c2, TypeReceiveMove))
	assert.JSONEq(t, `{"index":4,"symbol":"X","ply":1}`, string(mv.Move))

	// The host drops, c2 takes over.
	require.NoError(t, c1.Close())
	readUntil(t, c2, TypeOpponentLeft)
	readUntil(t, c2, TypeYouAreHost)

	assert.Eventually(t, func() bool { return !dir.isOnline("u1") }, 2*time.Second, 10*time.Millisecond)
}

func TestWSErrors(t *testing.T) {
	_, _, url := newWSServer(t, testConfig())
	c1 := dialWS(t, url)

	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m := readUntil(t, c1, TypeErrorMessage)
	assert.Equal(t, ErrInvalidPayload.Error(), decode[string](t, m))

	sendWS(t, c1, TypeUserConnected, map[string]string{"userId": "ghost"})
	m = readUntil(t, c1, TypeErrorMessage)
	assert.Equal(t, ErrUnknownUser.Error(), decode[string](t, m))

	sendWS(t, c1, TypeJoinRoom, map[string]string{"roomId": "nope"})
	m = readUntil(t, c1, TypeErrorMessage)
	assert.Equal(t, ErrRoomNotFound.Error(), decode[string](t, m))
	readUntil(t, c1, TypeUpdateRooms)

	// The connection survives errors.
	sendWS(t, c1, TypeGetRooms, nil)
	readUntil(t, c1, TypeUpdateRooms)
}

func TestWSPresenceAcrossTabs(t *testing.T) {
	_, dir, url := newWSServer(t, testConfig())
	c1, c2 := dialWS(t, url), dialWS(t, url)

	sendWS(t, c1, TypeUserConnected, map[string]string{"userId": "u1"})
	sendWS(t, c2, TypeUserConnected, map[string]string{"userId": "u1"})
	sendWS(t, c1, TypeGetRooms, nil)
	sendWS(t, c2, TypeGetRooms, nil)
	readUntil(t, c1, TypeUpdateRooms)
	readUntil(t, c2, TypeUpdateRooms)
	assert.True(t, dir.isOnline("u1"))

	require.NoError(t, c1.Close())
	assert.Never(t, func() bool { return !dir.isOnline("u1") }, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, c2.Close())
	assert.Eventually(t, func() bool { return !dir.isOnline("u1") }, 2*time.Second, 10*time.Millisecond)
}

func TestWSRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMessages = 2
	cfg.RateLimitInterval = time.Minute
	h, _, url := newWSServer(t, cfg)
	c1 := dialWS(t, url)

	for _, id := range []string{"A", "B", "C"} {
		sendWS(t, c1, TypeCreateRoom, map[string]interface{}{"roomId": id, "boardSize": 3})
	}

	// The connection is closed with the rate limit reason.
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		require.NoError(t, c1.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = c1.ReadMessage()
	}
	var cErr *websocket.CloseError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, TypePeerRateLimited, cErr.Text)

	// The third room was never created and the peer's room is gone with it.
	assert.Eventually(t, func() bool { return len(h.Rooms()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
