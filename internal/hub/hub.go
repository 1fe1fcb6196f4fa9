package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Types of messages received from peers.
const (
	TypeCreateRoom      = "create_room"
	TypeJoinRoom        = "join_room"
	TypeGetRooms        = "get_rooms"
	TypeReqOpponentData = "req_opponent_data"
	TypeSendMove        = "send_move"
	TypeResetGame       = "reset_game"
	TypeLeaveRoom       = "leave_room"
	TypeGameOver        = "game_over"
	TypeUserConnected   = "user_connected"
)

// Types of messages sent to peers.
const (
	TypeRoomJoined   = "room_joined"
	TypeUpdateRooms  = "update_rooms"
	TypeErrorMessage = "error_message"
	TypeGameStart    = "game_start"
	TypeOpponentData = "opponent_data"
	TypeReceiveMove  = "receive_move"
	TypeOpponentLeft = "opponent_left"
	TypeYouAreHost   = "you_are_host"
)

// Internal peer requests processed by the hub's event loop.
const (
	typePeerJoin     = "peer.join"
	typePeerLeave    = "peer.leave"
	typePeerIdentity = "peer.identity"
	typePeerError    = "peer.error"
)

// TypePeerRateLimited is the close reason sent to a peer that exceeds
// the message rate limit.
const TypePeerRateLimited = "peer.ratelimited"


var (
	// ErrRoomExists is returned when a room is created with a taken ID.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound is returned when acting on an unknown room.
	ErrRoomNotFound = errors.New("room does not exist")

	// ErrRoomFull is returned when joining a room that has two occupants.
	ErrRoomFull = errors.New("room is full")

	// ErrNotHost is returned when a non-host asks for a host-only action.
	// It is never sent to clients.
	ErrNotHost = errors.New("not the room host")

	// ErrTooManyRooms is returned when max_rooms is reached.
	ErrTooManyRooms = errors.New("too many active rooms")

	// ErrInvalidRoom is returned for an empty or oversized room ID or a
	// non-positive board size.
	ErrInvalidRoom = errors.New("invalid room ID or board size")

	// ErrInvalidPayload is returned when a message can't be decoded.
	ErrInvalidPayload = errors.New("invalid message payload")

	// ErrUnknownUser is returned when user_connected names a user that
	// can't be looked up.
	ErrUnknownUser = errors.New("unknown user")
)

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`
	Name    string `koanf:"name"`

	MaxMessageLen   int           `koanf:"max_message_length"`
	WSTimeout       time.Duration `koanf:"websocket_timeout"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	MaxMessageQueue int           `koanf:"max_message_queue"`

	RateLimitInterval time.Duration `koanf:"rate_limit_interval"`
	RateLimitMessages int           `koanf:"rate_limit_messages"`

	MaxRooms        int           `koanf:"max_rooms"`
	MaxRoomIDLen    int           `koanf:"max_room_id_length"`
	StatWorkers     int           `koanf:"stat_workers"`
	StatQueue       int           `koanf:"stat_queue"`
	LeaderboardSize int           `koanf:"leaderboard_size"`
}

// Directory is the external user directory the hub reports presence
// and game results to.
type Directory interface {
	IncrementWins(id string) error
	IncrementLosses(id string) error
	SetOnline(id string, online bool) error
	Lookup(id string) (string, error)
}

// peerReq represents a peer request (join, leave, room events etc.) that's
// processed by the hub's event loop.
type peerReq struct {
	reqType  string
	peer     *Peer
	data     json.RawMessage
	identity *Identity
	err      error
}

// Hub acts as the controller and container for all connections and rooms.
// All room and connection mutations happen on the goroutine running Run().
type Hub struct {
	Directory Directory

	rooms *Rooms
	peers map[string]*Peer

	// Open connections per user ID, for presence.
	sessions map[string]int
	sessMut  sync.Mutex

	reqQ  chan peerReq
	statQ chan statJob
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	cfg *Config
	log *log.Logger
}

// NewHub returns a new instance of Hub and starts its stat workers. The
// event loop has to be started with Run().
func NewHub(cfg *Config, dir Directory, l *log.Logger) *Hub {
	h := &Hub{
		Directory: dir,
		rooms:     NewRooms(cfg.MaxRooms),
		peers:     make(map[string]*Peer),
		sessions:  make(map[string]int),
		reqQ:      make(chan peerReq, 1000),
		statQ:     make(chan statJob, max(cfg.StatQueue, 1)),
		done:      make(chan struct{}),
		cfg:       cfg,
		log:       l,
	}

	for i := 0; i < max(cfg.StatWorkers, 1); i++ {
		h.wg.Add(1)
		go h.runStatWorker()
	}
	return h
}

// AddPeer registers a new WS connection with the hub.
func (h *Hub) AddPeer(ws *websocket.Conn) {
	h.queueReq(peerReq{reqType: typePeerJoin, peer: newPeer(uuid.NewString(), ws, h)})
}

// Rooms returns the summaries of all active rooms.
func (h *Hub) Rooms() []Summary {
	return h.rooms.Summaries()
}

// RoomExists checks if a room is active.
func (h *Hub) RoomExists(id string) bool {
	return h.rooms.Get(id) != nil
}

// Done is closed when the event loop exits.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run is a blocking function that starts the main event loop that handles
// peer connection events and room requests. It returns when ctx is cancelled,
// after disconnecting every peer.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case req := <-h.reqQ:
			h.handleReq(req)
		}
	}

	for _, p := range h.peers {
		delete(h.peers, p.ID)
		p.close()
	}
	h.log.Printf("stopped hub")
}

// Close stops the stat workers after flushing queued updates. It should be
// called after Run() has returned.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.statQ)
		h.wg.Wait()
	})
}

// queueReq queues a request to the event loop. Requests queued after the
// loop has stopped are discarded.
func (h *Hub) queueReq(r peerReq) {
	select {
	case h.reqQ <- r:
	case <-h.done:
	}
}

// handleReq dispatches a single request. It must only be called from the
// event loop.
func (h *Hub) handleReq(req peerReq) {
	p := req.peer

	switch req.reqType {
	case typePeerJoin:
		h.addPeer(p)

	case typePeerLeave:
		h.removePeer(p)

	case typePeerIdentity:
		p.identity = req.identity
		h.rooms.BindIdentity(p, req.identity)

		// Refresh the opponent's view of a game that's already on.
		if r := h.rooms.FindByPeer(p); r != nil && r.IsFull() {
			if s, ok := r.seatOf(p); ok {
				if opp, ok := r.opponentOf(p); ok {
					opp.Peer.SendData(makeOpponentPayload(s))
				}
			}
		}

	case typePeerError:
		p.sendError(req.err)

	case TypeCreateRoom:
		var d reqCreateRoom
		if err := json.Unmarshal(req.data, &d); err != nil {
			p.sendError(ErrInvalidPayload)
			return
		}
		if err := h.createRoom(p, d.RoomID, d.BoardSize, d.Identity); err != nil {
			p.sendError(err)
		}

	case TypeJoinRoom:
		var d reqJoinRoom
		if err := json.Unmarshal(req.data, &d); err != nil {
			p.sendError(ErrInvalidPayload)
			return
		}
		if err := h.joinRoom(p, d.RoomID, d.Identity); err != nil {
			p.sendError(err)
			if errors.Is(err, ErrRoomNotFound) {
				h.sendRoomList(p)
			}
		}

	case TypeGetRooms:
		h.sendRoomList(p)

	case TypeReqOpponentData:
		var d reqRoom
		if err := json.Unmarshal(req.data, &d); err != nil {
			return
		}
		h.requestOpponentData(p, d.RoomID)

	case TypeSendMove:
		var d reqMove
		if err := json.Unmarshal(req.data, &d); err != nil {
			return
		}
		h.relayMove(p, d.RoomID, d.Move)

	case TypeResetGame:
		var d reqRoom
		if err := json.Unmarshal(req.data, &d); err != nil {
			return
		}
		h.relayReset(p, d.RoomID)

	case TypeLeaveRoom:
		var d reqRoom
		if err := json.Unmarshal(req.data, &d); err != nil {
			return
		}
		h.leaveRoom(p, d.RoomID)

	case TypeGameOver:
		var d reqGameOver
		if err := json.Unmarshal(req.data, &d); err != nil {
			return
		}
		if err := h.reportGameOver(p, d.RoomID, d.WinningSymbol); err != nil {
			h.log.Printf("ignored game_over from %s for %q: %v", p.ID, d.RoomID, err)
		}

	default:
	}
}

// addPeer adds a peer to the connection registry, starts its WS goroutines
// and sends it the current room list.
func (h *Hub) addPeer(p *Peer) {
	h.peers[p.ID] = p
	if p.ws != nil {
		go p.RunListener()
		go p.RunWriter()
	}
	h.sendRoomList(p)
	h.log.Printf("peer %s connected", p.ID)
}

// removePeer handles a closed connection: the peer is dropped from the
// registry and from whichever room it occupied.
func (h *Hub) removePeer(p *Peer) {
	if _, ok := h.peers[p.ID]; !ok {
		return
	}
	delete(h.peers, p.ID)

	if r := h.rooms.FindByPeer(p); r != nil {
		h.vacate(p, r, true)
	}
	p.close()
	h.log.Printf("peer %s disconnected", p.ID)
}

// sendRoomList sends the room list to a single peer.
func (h *Hub) sendRoomList(p *Peer) {
	p.SendData(makePayload(h.rooms.Summaries(), TypeUpdateRooms))
}

// broadcastRoomList sends the room list to every connected peer.
func (h *Hub) broadcastRoomList() {
	b := makePayload(h.rooms.Summaries(), TypeUpdateRooms)
	for _, p := range h.peers {
		p.SendData(b)
	}
}

// trackPresence counts a user's open connections and updates the
// directory when the first one opens or the last one closes. It's called
// from peer listeners, not the event loop.
func (h *Hub) trackPresence(userID string, online bool) {
	h.sessMut.Lock()
	defer h.sessMut.Unlock()

	n := h.sessions[userID]
	if online {
		h.sessions[userID] = n + 1
		if n > 0 {
			return
		}
	} else {
		if n == 0 {
			return
		}
		if n > 1 {
			h.sessions[userID] = n - 1
			return
		}
		delete(h.sessions, userID)
	}

	if err := h.Directory.SetOnline(userID, online); err != nil {
		h.log.Printf("persistence unavailable: error setting %s online=%v: %v", userID, online, err)
	}
}

// resolveIdentity picks the identity a peer plays under: the one sent
// with the request, else the one bound by user_connected, else none.
func (h *Hub) resolveIdentity(p *Peer, ident *Identity) *Identity {
	if ident != nil && ident.ID != "" {
		return ident
	}
	return p.identity
}
