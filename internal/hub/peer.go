package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Peer represents an individual peer / connection into the hub.
type Peer struct {
	ID string

	ws *websocket.Conn

	// Channel for outbound messages.
	dataQ chan []byte

	hub *Hub

	// Owned by the hub's event loop.
	identity *Identity
	closed   bool

	// Rate limit counters, owned by the listener.
	numMessages int
	windowStart time.Time
}

// newPeer returns a new instance of Peer.
func newPeer(id string, ws *websocket.Conn, h *Hub) *Peer {
	return &Peer{
		ID:    id,
		ws:    ws,
		dataQ: make(chan []byte, max(h.cfg.MaxMessageQueue, 1)),
		hub:   h,
	}
}

// RunListener is a blocking function that reads incoming messages from a peer's
// WS connection until its dropped or there's an error. This should be invoked
// as a goroutine.
func (p *Peer) RunListener() {
	var userID string

	p.ws.SetReadLimit(int64(p.hub.cfg.MaxMessageLen))
	p.ws.SetReadDeadline(time.Now().Add(p.hub.cfg.WSTimeout))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(p.hub.cfg.WSTimeout))
	})

	for {
		_, m, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.log.Printf("error reading from peer %s: %v", p.ID, err)
			}
			break
		}
		p.processMessage(m, &userID)
	}

	// WS connection is closed.
	p.ws.Close()
	if userID != "" {
		p.hub.trackPresence(userID, false)
	}
	p.hub.queueReq(peerReq{reqType: typePeerLeave, peer: p})
}

// RunWriter is a blocking function that writes messages in a peer's queue to the
// peer's WS connection and pings it periodically. This should be invoked as a
// goroutine.
func (p *Peer) RunWriter() {
	ticker := time.NewTicker(p.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()

	for {
		select {
		// Wait for outgoing message to appear in the channel.
		case message, ok := <-p.dataQ:
			if !ok {
				p.writeWSData(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.writeWSData(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := p.writeWSData(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendData queues a message to be written to the peer's WS. Messages to a
// peer whose queue is full are dropped. It must only be called from the
// hub's event loop.
func (p *Peer) SendData(b []byte) {
	if p.closed {
		return
	}
	select {
	case p.dataQ <- b:
	default:
		p.hub.log.Printf("peer %s queue is full, dropping message", p.ID)
	}
}

// sendError sends a client facing error message.
func (p *Peer) sendError(err error) {
	p.SendData(makePayload(err.Error(), TypeErrorMessage))
}

// close closes the outbound queue which makes the writer close the WS.
func (p *Peer) close() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.dataQ)
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(time.Now().Add(p.hub.cfg.WSTimeout))
	return p.ws.WriteMessage(msgType, payload)
}

// processMessage processes incoming messages from peers. Everything apart
// from user_connected is handed over to the hub's event loop. userID holds
// the user bound on this connection.
func (p *Peer) processMessage(b []byte, userID *string) {
	var m payloadMsgWrap

	if err := json.Unmarshal(b, &m); err != nil {
		p.hub.queueReq(peerReq{reqType: typePeerError, peer: p, err: ErrInvalidPayload})
		return
	}

	switch m.Type {
	// Directory lookups happen here, off the event loop.
	case TypeUserConnected:
		var d reqUserConnected
		if err := json.Unmarshal(m.Data, &d); err != nil || d.UserID == "" {
			p.hub.queueReq(peerReq{reqType: typePeerError, peer: p, err: ErrInvalidPayload})
			return
		}

		name, err := p.hub.Directory.Lookup(d.UserID)
		if err != nil {
			p.hub.log.Printf("error looking up user %s: %v", d.UserID, err)
			p.hub.queueReq(peerReq{reqType: typePeerError, peer: p, err: ErrUnknownUser})
			return
		}

		if *userID != d.UserID {
			if *userID != "" {
				p.hub.trackPresence(*userID, false)
			}
			*userID = d.UserID
			p.hub.trackPresence(d.UserID, true)
		}

		p.hub.queueReq(peerReq{
			reqType:  typePeerIdentity,
			peer:     p,
			identity: &Identity{ID: d.UserID, DisplayName: name},
		})

	case TypeCreateRoom, TypeJoinRoom, TypeGetRooms, TypeReqOpponentData,
		TypeSendMove, TypeResetGame, TypeLeaveRoom, TypeGameOver:
		if !p.allow(time.Now()) {
			p.hub.log.Printf("peer %s exceeded the rate limit, disconnecting", p.ID)
			p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, TypePeerRateLimited),
				time.Now().Add(p.hub.cfg.WSTimeout))
			p.ws.Close()
			return
		}
		p.hub.queueReq(peerReq{reqType: m.Type, peer: p, data: m.Data})

	default:
	}
}

// allow counts a hub-bound message and reports whether the peer is still
// within RateLimitMessages per RateLimitInterval. A zero setting turns the
// limit off.
func (p *Peer) allow(now time.Time) bool {
	cfg := p.hub.cfg
	if cfg.RateLimitMessages <= 0 || cfg.RateLimitInterval <= 0 {
		return true
	}

	if now.Sub(p.windowStart) >= cfg.RateLimitInterval {
		p.windowStart = now
		p.numMessages = 0
	}
	p.numMessages++
	return p.numMessages <= cfg.RateLimitMessages
}
