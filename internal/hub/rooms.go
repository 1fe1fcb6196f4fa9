package hub

import (
	"sort"
	"sync"
	"time"
)

// Symbols assigned to the two seats of a room.
const (
	SymbolX = "X"
	SymbolO = "O"
)

// Identity is a registered user a peer plays as. A nil Identity is a guest.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Seat is a peer's membership in a room.
type Seat struct {
	Peer     *Peer
	Symbol   string
	Identity *Identity
}

// Room represents a two player match. Its mutable fields are only changed
// through Rooms, under its lock.
type Room struct {
	ID        string
	BoardSize int
	CreatedAt time.Time

	host  *Peer
	seats []Seat

	// Set once a result has been accepted for the current round.
	finished bool
}

// Summary is the public projection of a room in the room list.
type Summary struct {
	ID            string `json:"id"`
	OccupantCount int    `json:"occupantCount"`
	BoardSize     int    `json:"boardSize"`
}

// Host returns the peer currently allowed to reset the game.
func (r *Room) Host() *Peer {
	return r.host
}

// Seats returns a copy of the room's seats in join order.
func (r *Room) Seats() []Seat {
	out := make([]Seat, len(r.seats))
	copy(out, r.seats)
	return out
}

// IsFull tells if the room has both seats taken.
func (r *Room) IsFull() bool {
	return len(r.seats) >= 2
}

// seatOf returns the seat occupied by p.
func (r *Room) seatOf(p *Peer) (Seat, bool) {
	for _, s := range r.seats {
		if s.Peer == p {
			return s, true
		}
	}
	return Seat{}, false
}

// opponentOf returns the seat that isn't occupied by p.
func (r *Room) opponentOf(p *Peer) (Seat, bool) {
	if _, ok := r.seatOf(p); !ok {
		return Seat{}, false
	}
	for _, s := range r.seats {
		if s.Peer != p {
			return s, true
		}
	}
	return Seat{}, false
}

// seatBySymbol returns the seat holding the given symbol.
func (r *Room) seatBySymbol(sym string) (Seat, bool) {
	for _, s := range r.seats {
		if s.Symbol == sym {
			return s, true
		}
	}
	return Seat{}, false
}

// freeSymbol returns X unless it's taken.
func (r *Room) freeSymbol() string {
	if _, ok := r.seatBySymbol(SymbolX); ok {
		return SymbolO
	}
	return SymbolX
}

// Rooms is the in-memory table of active rooms.
type Rooms struct {
	rooms map[string]*Room
	max   int
	mut   sync.RWMutex
}

// NewRooms returns an empty room table. max <= 0 means unlimited.
func NewRooms(max int) *Rooms {
	return &Rooms{
		rooms: make(map[string]*Room),
		max:   max,
	}
}

// Create adds a room with the creator seated as host on the first symbol.
func (s *Rooms) Create(id string, boardSize int, host *Peer, ident *Identity) (*Room, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, ok := s.rooms[id]; ok {
		return nil, ErrRoomExists
	}
	if s.max > 0 && len(s.rooms) >= s.max {
		return nil, ErrTooManyRooms
	}

	r := &Room{
		ID:        id,
		BoardSize: boardSize,
		CreatedAt: time.Now(),
		host:      host,
		seats:     []Seat{{Peer: host, Symbol: SymbolX, Identity: ident}},
	}
	s.rooms[id] = r
	return r, nil
}

// Get retrieves a room or nil.
func (s *Rooms) Get(id string) *Room {
	s.mut.RLock()
	r := s.rooms[id]
	s.mut.RUnlock()
	return r
}

// Delete removes a room.
func (s *Rooms) Delete(id string) {
	s.mut.Lock()
	delete(s.rooms, id)
	s.mut.Unlock()
}

// Len returns the number of active rooms.
func (s *Rooms) Len() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return len(s.rooms)
}

// Summaries returns the room list ordered by creation.
func (s *Rooms) Summaries() []Summary {
	s.mut.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, Summary{
			ID:            r.ID,
			OccupantCount: len(r.seats),
			BoardSize:     r.BoardSize,
		})
	}
	s.mut.RUnlock()
	return out
}

// FindByPeer returns the room p is seated in, or nil.
func (s *Rooms) FindByPeer(p *Peer) *Room {
	s.mut.RLock()
	defer s.mut.RUnlock()

	for _, r := range s.rooms {
		if _, ok := r.seatOf(p); ok {
			return r
		}
	}
	return nil
}

// Seat appends p to the room with the symbol that isn't taken.
func (s *Rooms) Seat(r *Room, p *Peer, ident *Identity) (Seat, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if r.IsFull() {
		return Seat{}, ErrRoomFull
	}
	seat := Seat{Peer: p, Symbol: r.freeSymbol(), Identity: ident}
	r.seats = append(r.seats, seat)
	r.finished = false
	return seat, nil
}

// Unseat removes p from the room. A room left empty is deleted.
func (s *Rooms) Unseat(r *Room, p *Peer) (Seat, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for i, seat := range r.seats {
		if seat.Peer != p {
			continue
		}
		r.seats = append(r.seats[:i:i], r.seats[i+1:]...)
		if len(r.seats) == 0 {
			r.host = nil
			if s.rooms[r.ID] == r {
				delete(s.rooms, r.ID)
			}
		}
		return seat, true
	}
	return Seat{}, false
}

// SetHost makes p the room's host.
func (s *Rooms) SetHost(r *Room, p *Peer) {
	s.mut.Lock()
	r.host = p
	s.mut.Unlock()
}

// SetFinished marks or clears the current round as reported.
func (s *Rooms) SetFinished(r *Room, finished bool) {
	s.mut.Lock()
	r.finished = finished
	s.mut.Unlock()
}

// BindIdentity updates the identity on p's seat, if p is seated.
func (s *Rooms) BindIdentity(p *Peer, ident *Identity) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, r := range s.rooms {
		for i := range r.seats {
			if r.seats[i].Peer == p {
				r.seats[i].Identity = ident
				return
			}
		}
	}
}
