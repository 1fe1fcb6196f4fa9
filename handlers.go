package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"github.com/tictalk/tictalk/internal/hub"
	"github.com/tictalk/tictalk/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	hasRoom = 1 << iota
)

const (
	bcryptCost = 10
	qrSize     = 256
	maxBody    = 1 << 16
)

// reqCtx is the context injected into every request.
type reqCtx struct {
	app    *App
	roomID string
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

// tpl is the envelope for all HTML template executions.
type tpl struct {
	Config *hub.Config
	Data   tplData
}

type tplData struct {
	Title       string
	Description string
	RoomID      string
}

type reqRegister struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type reqLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type reqAddFriend struct {
	UserID   string `json:"userId"`
	FriendID string `json:"friendId"`
}

type userResp struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// handleIndex renders the homepage.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)
	respondHTML("index", tplData{
		Title: app.cfg.Name,
	}, http.StatusOK, w, app)
}

// handleRoomPage renders the homepage with a room preselected. It's the
// target of invite links.
func handleRoomPage(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	if ctx.roomID == "" {
		respondHTML("room-not-found", tplData{Title: app.cfg.Name}, http.StatusNotFound, w, app)
		return
	}

	// Disable browser caching.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	respondHTML("index", tplData{
		Title:  ctx.roomID + " - " + app.cfg.Name,
		RoomID: ctx.roomID,
	}, http.StatusOK, w, app)
}

// handleWS handles incoming connections.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Printf("Websocket upgrade failed: %s: %v", r.RemoteAddr, err)
		return
	}

	// Create a new peer instance and register it with the hub.
	app.hub.AddPeer(ws)
}

// handleGetRooms returns the active rooms.
func handleGetRooms(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("ctx").(*reqCtx).app
	respondJSON(w, app.hub.Rooms(), nil, http.StatusOK)
}

// handleRoomQR renders a PNG QR code of a room's invite link.
func handleRoomQR(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	if ctx.roomID == "" {
		respondJSON(w, nil, errors.New("room does not exist"), http.StatusNotFound)
		return
	}

	u := fmt.Sprintf("%s/r/%s", strings.TrimRight(app.cfg.RootURL, "/"), url.PathEscape(ctx.roomID))
	b, err := qrcode.Encode(u, qrcode.Medium, qrSize)
	if err != nil {
		app.logger.Printf("error generating QR code: %v", err)
		respondJSON(w, nil, errors.New("error generating QR code"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// handleRegister registers a new user.
func handleRegister(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("ctx").(*reqCtx).app

	var req reqRegister
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if len(req.Username) < 3 || len(req.Username) > 50 {
		respondJSON(w, nil, errors.New("invalid username (3 - 50 chars)"), http.StatusBadRequest)
		return
	}
	if !strings.Contains(req.Email, "@") || len(req.Email) > 200 {
		respondJSON(w, nil, errors.New("invalid email"), http.StatusBadRequest)
		return
	}
	if len(req.Password) < 6 || len(req.Password) > 72 {
		respondJSON(w, nil, errors.New("invalid password (6 - 72 chars)"), http.StatusBadRequest)
		return
	}

	// Hash the password.
	pwdHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		app.logger.Printf("error hashing password: %v", err)
		respondJSON(w, nil, errors.New("error hashing password"), http.StatusInternalServerError)
		return
	}

	u := store.User{
		ID:        uuid.NewString(),
		Username:  req.Username,
		Email:     req.Email,
		Password:  pwdHash,
		CreatedAt: time.Now(),
	}
	if err := app.store.AddUser(u); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			respondJSON(w, nil, errors.New("username or email already exists"), http.StatusBadRequest)
			return
		}
		app.logger.Printf("error creating user: %v", err)
		respondJSON(w, nil, errors.New("error creating user"), http.StatusInternalServerError)
		return
	}

	respondJSON(w, userResp{ID: u.ID, Username: u.Username}, nil, http.StatusCreated)
}

// handleLogin checks a user's credentials.
func handleLogin(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("ctx").(*reqCtx).app

	var req reqLogin
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	errInvalid := errors.New("invalid username or password")
	u, err := app.store.GetUserByName(req.Username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			respondJSON(w, nil, errInvalid, http.StatusUnauthorized)
			return
		}
		app.logger.Printf("error fetching user: %v", err)
		respondJSON(w, nil, errors.New("error fetching user"), http.StatusInternalServerError)
		return
	}

	// Validate password.
	if err := bcrypt.CompareHashAndPassword(u.Password, []byte(req.Password)); err != nil {
		respondJSON(w, nil, errInvalid, http.StatusUnauthorized)
		return
	}
	respondJSON(w, userResp{ID: u.ID, Username: u.Username}, nil, http.StatusOK)
}

// handleLeaderboard returns the top users.
func handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("ctx").(*reqCtx).app

	out, err := app.store.Leaderboard(app.cfg.LeaderboardSize)
	if err != nil {
		app.logger.Printf("error fetching leaderboard: %v", err)
		respondJSON(w, nil, errors.New("error fetching leaderboard"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleAddFriend adds a user to another user's friend list.
func handleAddFriend(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("ctx").(*reqCtx).app

	var req reqAddFriend
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.FriendID == "" || req.UserID == req.FriendID {
		respondJSON(w, nil, errors.New("invalid userId or friendId"), http.StatusBadRequest)
		return
	}

	if err := app.store.AddFriend(req.UserID, req.FriendID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			respondJSON(w, nil, err, http.StatusNotFound)
			return
		}
		app.logger.Printf("error adding friend: %v", err)
		respondJSON(w, nil, errors.New("error adding friend"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, true, nil, http.StatusOK)
}

// handleGetFriends returns a user's friends with their stats and presence.
func handleGetFriends(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("ctx").(*reqCtx).app

	out, err := app.store.GetFriends(chi.URLParam(r, "userID"))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			respondJSON(w, nil, err, http.StatusNotFound)
			return
		}
		app.logger.Printf("error fetching friends: %v", err)
		respondJSON(w, nil, errors.New("error fetching friends"), http.StatusInternalServerError)
		return
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleHealthz reports that the server is up.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("ctx").(*reqCtx).app
	respondJSON(w, struct {
		Rooms int `json:"rooms"`
	}{len(app.hub.Rooms())}, nil, http.StatusOK)
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Printf("error marshalling JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(b)
}

// respondHTML responds to an HTTP request with the HTML output of a given template.
func respondHTML(tplName string, data tplData, statusCode int, w http.ResponseWriter, app *App) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}

	err := app.tpl.ExecuteTemplate(w, tplName, tpl{
		Config: app.cfg,
		Data:   data,
	})
	if err != nil {
		app.logger.Printf("error rendering template %s: %s", tplName, err)
		w.Write([]byte("error rendering template"))
	}
}

// wrap is a middleware that handles room checks for various HTTP handlers.
// It attaches the app and room contexts to handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// Check if the room is active.
		if opts&hasRoom != 0 {
			// If the room's not found, req.roomID will be empty in the target
			// handler. It's the handler's responsibility to throw an error,
			// API or HTML response.
			if id := chi.URLParam(r, "roomID"); app.hub.RoomExists(id) {
				req.roomID = id
			}
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), "ctx", req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// readJSONReq reads the JSON body from a request and unmarshals it to the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, o)
}
