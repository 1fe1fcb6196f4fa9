package hub

// statJob is a win or loss to be recorded in the directory.
type statJob struct {
	userID string
	win    bool
}

// reportGameOver attributes a finished game to the two occupants. Results
// are only recorded when both occupants are registered users, and only
// once per round; a reset or a new game opens the next round.
func (h *Hub) reportGameOver(p *Peer, id, winningSymbol string) error {
	r := h.rooms.Get(id)
	if r == nil {
		return ErrRoomNotFound
	}
	if _, ok := r.seatOf(p); !ok || !r.IsFull() || r.finished {
		return nil
	}
	h.rooms.SetFinished(r, true)

	// Draws and unknown symbols have no winner.
	winner, ok := r.seatBySymbol(winningSymbol)
	if !ok {
		return nil
	}
	loser, _ := r.opponentOf(winner.Peer)
	if winner.Identity == nil || loser.Identity == nil {
		return nil
	}

	h.queueStat(statJob{userID: winner.Identity.ID, win: true})
	h.queueStat(statJob{userID: loser.Identity.ID, win: false})
	h.log.Printf("room %s: %s beat %s", r.ID, winner.Identity.ID, loser.Identity.ID)
	return nil
}

// queueStat hands a stat update to the workers without blocking.
func (h *Hub) queueStat(j statJob) {
	select {
	case h.statQ <- j:
	default:
		h.log.Printf("stat queue is full, dropping update for %s", j.userID)
	}
}

// runStatWorker writes stat updates to the directory. Failures are logged
// and not retried.
func (h *Hub) runStatWorker() {
	defer h.wg.Done()

	for j := range h.statQ {
		var err error
		if j.win {
			err = h.Directory.IncrementWins(j.userID)
		} else {
			err = h.Directory.IncrementLosses(j.userID)
		}
		if err != nil {
			h.log.Printf("persistence unavailable: error updating stats for %s: %v", j.userID, err)
		}
	}
}
