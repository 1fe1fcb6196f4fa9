package hub

import (
	"encoding/json"
	"time"
)

// payloadMsgWrap is the envelope of messages received from peers.
type payloadMsgWrap struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// msgWrap is the envelope of messages sent to peers.
type msgWrap struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type reqCreateRoom struct {
	RoomID    string    `json:"roomId"`
	BoardSize int       `json:"boardSize"`
	Identity  *Identity `json:"identity"`
}

type reqJoinRoom struct {
	RoomID   string    `json:"roomId"`
	Identity *Identity `json:"identity"`
}

type reqRoom struct {
	RoomID string `json:"roomId"`
}

type reqMove struct {
	RoomID string          `json:"roomId"`
	Move   json.RawMessage `json:"move"`
}

type reqGameOver struct {
	RoomID        string `json:"roomId"`
	WinningSymbol string `json:"winningSymbol"`
}

type reqUserConnected struct {
	UserID string `json:"userId"`
}

type msgRoomJoined struct {
	Symbol    string `json:"symbol"`
	BoardSize int    `json:"boardSize"`
	IsHost    bool   `json:"isHost"`
}

type msgGameStart struct {
	RoomID string `json:"roomId"`
}

// msgReceiveMove carries a move exactly as the sender's client encoded it.
type msgReceiveMove struct {
	Move json.RawMessage `json:"move"`
}

// makePayload prepares a message payload.
func makePayload(data interface{}, typ string) []byte {
	m := msgWrap{
		Timestamp: time.Now(),
		Type:      typ,
		Data:      data,
	}
	b, _ := json.Marshal(m)
	return b
}
