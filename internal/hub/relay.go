package hub

import "encoding/json"

// relayMove forwards a move to the sender's opponent without decoding it.
// Moves are not validated; they're dropped if the room has no opponent to
// receive them.
func (h *Hub) relayMove(p *Peer, id string, m json.RawMessage) {
	r := h.rooms.Get(id)
	if r == nil || !r.IsFull() {
		return
	}

	opp, ok := r.opponentOf(p)
	if !ok {
		return
	}
	opp.Peer.SendData(makePayload(msgReceiveMove{Move: m}, TypeReceiveMove))
}

// relayReset broadcasts a reset to every occupant, including the sender.
// Only the host may reset.
func (h *Hub) relayReset(p *Peer, id string) error {
	r := h.rooms.Get(id)
	if r == nil {
		return ErrRoomNotFound
	}
	if r.host != p {
		return ErrNotHost
	}

	h.rooms.SetFinished(r, false)

	b := makePayload(nil, TypeResetGame)
	for _, s := range r.seats {
		s.Peer.SendData(b)
	}
	return nil
}
