package hub

// leaveRoom removes p from a room it explicitly leaves. Leaving a room p
// isn't in does nothing.
func (h *Hub) leaveRoom(p *Peer, id string) {
	r := h.rooms.Get(id)
	if r == nil {
		return
	}
	if _, ok := r.seatOf(p); !ok {
		return
	}
	h.vacate(p, r, true)
}

// vacate removes p from r. An emptied room is deleted, otherwise the
// remaining occupant is told and, if p was host, promoted. Set publish to
// broadcast the updated room list.
func (h *Hub) vacate(p *Peer, r *Room, publish bool) {
	wasHost := r.host == p

	if _, ok := h.rooms.Unseat(r, p); !ok {
		return
	}

	if len(r.seats) == 0 {
		h.log.Printf("room %s deleted", r.ID)
	} else {
		survivor := r.seats[0].Peer
		survivor.SendData(makePayload(nil, TypeOpponentLeft))

		if wasHost {
			h.rooms.SetHost(r, survivor)
			survivor.SendData(makePayload(nil, TypeYouAreHost))
			h.log.Printf("room %s host moved to %s", r.ID, survivor.ID)
		}
	}

	if publish {
		h.broadcastRoomList()
	}
}
