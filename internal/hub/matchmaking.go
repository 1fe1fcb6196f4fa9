package hub

// guestName is the display name sent for peers playing without an identity.
const guestName = "Guest"

// createRoom creates a room with p as its host and sole occupant.
func (h *Hub) createRoom(p *Peer, id string, boardSize int, ident *Identity) error {
	if id == "" || (h.cfg.MaxRoomIDLen > 0 && len(id) > h.cfg.MaxRoomIDLen) || boardSize < 1 {
		return ErrInvalidRoom
	}
	if h.rooms.Get(id) != nil {
		return ErrRoomExists
	}

	// A peer is in one room at a time. Leaving a room p is alone in frees a slot.
	prev := h.rooms.FindByPeer(p)
	if h.rooms.max > 0 && h.rooms.Len() >= h.rooms.max &&
		(prev == nil || len(prev.seats) > 1) {
		return ErrTooManyRooms
	}
	if prev != nil {
		h.vacate(p, prev, false)
	}

	ident = h.resolveIdentity(p, ident)
	r, err := h.rooms.Create(id, boardSize, p, ident)
	if err != nil {
		return err
	}

	p.SendData(makePayload(msgRoomJoined{
		Symbol:    SymbolX,
		BoardSize: r.BoardSize,
		IsHost:    true,
	}, TypeRoomJoined))
	h.broadcastRoomList()

	h.log.Printf("peer %s created room %s (size %d)", p.ID, r.ID, r.BoardSize)
	return nil
}

// joinRoom seats p in an existing room. When the room fills up, the game
// is started and the occupants learn who they're playing.
func (h *Hub) joinRoom(p *Peer, id string, ident *Identity) error {
	r := h.rooms.Get(id)
	if r == nil {
		return ErrRoomNotFound
	}

	// Already seated here, eg. a page reload. Confirm again.
	if s, ok := r.seatOf(p); ok {
		p.SendData(makePayload(msgRoomJoined{
			Symbol:    s.Symbol,
			BoardSize: r.BoardSize,
			IsHost:    r.host == p,
		}, TypeRoomJoined))
		return nil
	}

	if r.IsFull() {
		return ErrRoomFull
	}

	if prev := h.rooms.FindByPeer(p); prev != nil {
		h.vacate(p, prev, false)
	}

	seat, err := h.rooms.Seat(r, p, h.resolveIdentity(p, ident))
	if err != nil {
		return err
	}

	p.SendData(makePayload(msgRoomJoined{
		Symbol:    seat.Symbol,
		BoardSize: r.BoardSize,
		IsHost:    false,
	}, TypeRoomJoined))
	h.broadcastRoomList()
	h.log.Printf("peer %s joined room %s as %s", p.ID, r.ID, seat.Symbol)

	if r.IsFull() {
		h.startGame(r)
	}
	return nil
}

// startGame signals both occupants to start and exchanges their identities.
func (h *Hub) startGame(r *Room) {
	start := makePayload(msgGameStart{RoomID: r.ID}, TypeGameStart)
	for _, s := range r.seats {
		s.Peer.SendData(start)
	}

	for _, s := range r.seats {
		if opp, ok := r.opponentOf(s.Peer); ok {
			s.Peer.SendData(makeOpponentPayload(opp))
		}
	}
}

// requestOpponentData re-sends the opponent's identity to p.
func (h *Hub) requestOpponentData(p *Peer, id string) {
	r := h.rooms.Get(id)
	if r == nil || !r.IsFull() {
		return
	}
	if opp, ok := r.opponentOf(p); ok {
		p.SendData(makeOpponentPayload(opp))
	}
}

// makeOpponentPayload prepares an opponent_data message describing a seat.
func makeOpponentPayload(s Seat) []byte {
	d := Identity{DisplayName: guestName}
	if s.Identity != nil {
		d = *s.Identity
	}
	return makePayload(d, TypeOpponentData)
}
