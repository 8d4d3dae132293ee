// Pointbox Planning Poker
//
// Each participant joins an estimation room, casts a hidden vote, and waits
// for the round to be revealed. Anyone can reveal all votes at once or reset
// the round; votes stay hidden client-side until then.
//
// Features:
// - WebSockets per room ID: /path/:roomid and /path/:roomid/ws
// - First player to connect to a room becomes its admin
// - Players identified by a stable key: ?id= query param, else cookie
// - Reconnecting with the same key keeps name, vote, and admin status
// - Disconnected players are removed after a configurable grace period
// - Full room state is rebroadcast to every connection after each change
// - Ephemeral emoji throws are relayed without touching room state
// - Rooms auto-reaped after configurable idle timeout
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Player holds the data we store server-side for one participant.
// Vote is free-form text; numeric cards are a client convention.
type Player struct {
	Name string  `json:"name"`
	Vote *string `json:"vote"`
}

// Messages coming from clients
type ClientMessage struct {
	Type     string  `json:"type"`               // "vote", "reveal", "reset", "setUsername", "throwEmoji"
	Vote     *string `json:"vote,omitempty"`     // vote
	Username *string `json:"username,omitempty"` // setUsername
	TargetID string  `json:"targetId,omitempty"` // throwEmoji
	Emoji    string  `json:"emoji,omitempty"`    // throwEmoji
}

// RoomState is the full snapshot sent to every client after a change.
// Votes are never blanked while hidden; concealment is a client convention.
type RoomState struct {
	AdminID  *string            `json:"adminId"`
	Players  map[string]*Player `json:"players"`
	Revealed bool               `json:"revealed"`
}

type StateMessage struct {
	Type  string    `json:"type"` // "state"
	State RoomState `json:"state"`
}

// EmojiMessage relays a thrown emoji to every client. It is never stored.
type EmojiMessage struct {
	Type     string `json:"type"` // "throwEmoji"
	SenderID string `json:"senderId"`
	TargetID string `json:"targetId"`
	Emoji    string `json:"emoji"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type Hub struct {
	id      string
	clients map[*Client]bool

	adminID  string
	players  map[string]*Player
	revealed bool

	mu sync.RWMutex

	lastActive time.Time
	closed     bool
}

func newHub(roomID string) *Hub {
	return &Hub{
		id:         roomID,
		clients:    make(map[*Client]bool),
		players:    make(map[string]*Player),
		lastActive: time.Now(),
	}
}

// snapshotLocked deep-copies the room state so later changes cannot race
// the JSON marshalling happening in each client's write pump.
func (h *Hub) snapshotLocked() StateMessage {
	players := make(map[string]*Player, len(h.players))
	for id, p := range h.players {
		cp := *p
		players[id] = &cp
	}

	var admin *string
	if h.adminID != "" {
		id := h.adminID
		admin = &id
	}

	return StateMessage{
		Type: "state",
		State: RoomState{
			AdminID:  admin,
			Players:  players,
			Revealed: h.revealed,
		},
	}
}

// broadcastLocked fans a message out to every client in this room. Sends
// never block; a client whose buffer is full is dropped from the room and
// cleaned up when its read pump exits.
func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) broadcastStateLocked() {
	h.broadcastLocked(h.snapshotLocked())
}

// handleJoin registers a new connection and resolves it to a player entry,
// creating one with a default name if the key is unseen. The first resolved
// player becomes the room admin for the lifetime of the room. Returns false
// if the hub has already been shut down, in which case the caller should
// fetch a fresh hub from the manager.
func (h *Hub) handleJoin(cfg *Config, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.lastActive = time.Now()
	h.clients[c] = true

	if _, ok := h.players[c.playerID]; !ok {
		h.players[c.playerID] = &Player{
			Name: fmt.Sprintf("Player %d", len(h.players)+1),
		}
		logf(cfg, "ROOMS: Player %q joined %s", c.playerID, h.id)
	}

	if h.adminID == "" {
		h.adminID = c.playerID
	}

	h.broadcastStateLocked()

	return true
}

// handleMessage validates and applies one inbound message, attributed to the
// sending connection's player key. Bad input never closes the connection or
// the room; invalid messages are dropped with a diagnostic and nothing is
// broadcast for them.
func (h *Hub) handleMessage(cfg *Config, c *Client, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logf(cfg, "ROOMS: Dropping malformed message in %s: %v", h.id, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.lastActive = time.Now()

	switch msg.Type {
	case "vote":
		p, ok := h.players[c.playerID]
		if !ok || msg.Vote == nil {
			return
		}
		p.Vote = msg.Vote

	case "reveal":
		h.revealed = true

	case "reset":
		for _, p := range h.players {
			p.Vote = nil
		}
		h.revealed = false

	case "setUsername":
		p, ok := h.players[c.playerID]
		if !ok || msg.Username == nil {
			return
		}
		if *msg.Username != "" {
			p.Name = *msg.Username
		} else {
			p.Name = fmt.Sprintf("Player %d", len(h.players))
		}

	case "throwEmoji":
		if _, ok := h.players[msg.TargetID]; !ok {
			return
		}
		h.broadcastLocked(EmojiMessage{
			Type:     "throwEmoji",
			SenderID: c.playerID,
			TargetID: msg.TargetID,
			Emoji:    msg.Emoji,
		})
		return

	default:
		logf(cfg, "ROOMS: Ignoring unknown message type %q in %s", msg.Type, h.id)
		return
	}

	h.broadcastStateLocked()
}

// handleLeave drops a connection. If it was the last one bound to its player
// key, the player entry is retained for cfg.playerTimeout so a reconnecting
// client keeps its name, vote, and admin status; a timeout of zero removes
// it immediately.
func (h *Hub) handleLeave(cfg *Config, gm *GameManager, c *Client) {
	h.mu.Lock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	h.lastActive = time.Now()
	playerID := c.playerID

	for client := range h.clients {
		if client.playerID == playerID {
			h.mu.Unlock()
			return
		}
	}

	h.mu.Unlock()

	if playerID == "" {
		return
	}

	if cfg.playerTimeout <= 0 {
		h.removePlayer(cfg, gm, playerID)
		return
	}

	go h.scheduleRemoval(cfg, gm, playerID, cfg.playerTimeout)
}

// scheduleRemoval waits for d, and if no client with this playerID has
// reconnected, removes the player entry and broadcasts the updated state.
func (h *Hub) scheduleRemoval(cfg *Config, gm *GameManager, playerID string, d time.Duration) {
	time.Sleep(d)

	h.removePlayer(cfg, gm, playerID)
}

// removePlayer deletes a player entry unless a connection with the same key
// is live again. The admin key is deliberately left untouched, so an admin
// who returns with the same key regains that role. When the last entry goes
// with no connections left, the room is dropped from the manager.
func (h *Hub) removePlayer(cfg *Config, gm *GameManager, playerID string) {
	h.mu.Lock()

	for client := range h.clients {
		if client.playerID == playerID {
			h.mu.Unlock()
			return
		}
	}

	if _, ok := h.players[playerID]; !ok {
		h.mu.Unlock()
		return
	}

	delete(h.players, playerID)
	h.lastActive = time.Now()
	logf(cfg, "ROOMS: Player %q left %s", playerID, h.id)

	if len(h.players) == 0 && len(h.clients) == 0 {
		h.closed = true
		h.mu.Unlock()

		gm.remove(h)
		logf(cfg, "ROOMS: Room %s is empty, removing", h.id)
		return
	}

	h.broadcastStateLocked()
	h.mu.Unlock()
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, c)
	}

	h.players = make(map[string]*Player)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "pointbox_id"

// resolvePlayerID turns a connection into a stable player key. A caller-
// supplied ?id= wins, so clients that persist their key can reconnect as
// the same player; otherwise the cookie is reused, or a fresh key is minted
// and issued as a cookie.
func resolvePlayerID(w http.ResponseWriter, r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}

	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by room ID, so each $path/$roomid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newGameManager(idleTimeout time.Duration) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(roomID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[roomID]; ok {
		return hub
	}

	hub := newHub(roomID)
	gm.hubs[roomID] = hub
	return hub
}

// remove drops a hub from the manager, but only if the map still points at
// this exact hub; a fresh hub may already have taken over the room ID.
func (gm *GameManager) remove(h *Hub) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if gm.hubs[h.id] == h {
		delete(gm.hubs, h.id)
	}
}

// join registers a connection with the room's hub, retrying if it races a
// hub that is shutting down.
func (gm *GameManager) join(cfg *Config, roomID string, c *Client) *Hub {
	for {
		hub := gm.getHub(roomID)
		if hub.handleJoin(cfg, c) {
			return hub
		}
		gm.remove(hub)
	}
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms.
func (gm *GameManager) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :roomid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		playerID := resolvePlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		hub := gm.join(cfg, roomID, client)

		go client.writePump()
		client.readPump(cfg, gm, hub)
	}
}

func (c *Client) readPump(cfg *Config, gm *GameManager, h *Hub) {
	defer func() {
		h.handleLeave(cfg, gm, c)
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		h.handleMessage(cfg, c, data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed poker/index.html
var indexHTML []byte

//go:embed poker/app.css
var pointboxCSS []byte

//go:embed poker/app.js
var pointboxJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pointboxCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pointboxJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:roomid.
func redirectNewRoom(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := gm.newRoomID()
		logf(cfg, "ROOMS: Created room %s/%s", path, roomID)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerPokerGame sets up routes so that:
//   - $path                  → redirects to new random room (8-char ID)
//   - $path/:roomid          → HTML client
//   - $path/:roomid/ws       → WebSocket for that room
//   - $path/:roomid/qr       → PNG QR code for that room URL
func registerPokerGame(cfg *Config, path string, mux *httprouter.Router) {
	gm := newGameManager(cfg.sessionTimeout)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, gm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/poker/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/poker/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomid/ws", serveWSForManager(cfg, gm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}
