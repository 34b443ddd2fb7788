package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ephemeral-chat/internal/auth"
	"ephemeral-chat/internal/directory"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // development broker: any origin
	},
}

const (
	defaultDuration = 60 // minutes
	maxDuration     = 24 * 60
	maxRoomName     = 100
)

type Handler struct {
	broker *Broker
	rooms  directory.Store
	tokens *auth.Service
	log    *slog.Logger
}

// NewHandler wires the websocket endpoint and the discovery API. rooms
// defaults to the broker's directory. tokens may be nil, in which case nobody
// is authenticated and token issuing is off.
func NewHandler(b *Broker, rooms directory.Store, tokens *auth.Service) *Handler {
	if rooms == nil {
		rooms = b.cfg.Directory
	}
	if rooms == nil {
		rooms = directory.NewMemory()
	}
	return &Handler{
		broker: b,
		rooms:  rooms,
		tokens: tokens,
		log:    b.log,
	}
}

func (h *Handler) Routes() http.Handler {
	var validator TokenValidator
	if h.tokens != nil {
		validator = h.tokens
	}
	am := NewAuthMiddleware(validator)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": len(h.broker.Rooms())})
	})
	r.Post("/api/token", h.IssueToken)

	r.With(am.Optional).Get("/ws", h.ServeWs)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", h.ListRooms)
		r.Get("/{id}", h.GetRoom)
		r.Group(func(r chi.Router) {
			r.Use(am.Require)
			r.Post("/", h.CreateRoom)
			r.Delete("/{id}", h.DeleteRoom)
		})
	})
	return r
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	c := newClient(h.broker, conn, Username(r.Context()))
	if !h.broker.track(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type tokenRequest struct {
	Username string `json:"username"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
}

// IssueToken hands out a guest token for a display name.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeError(w, http.StatusNotFound, "Authentication disabled")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	username := sanitize(req.Username)
	token, err := h.tokens.Issue(username)
	if errors.Is(err, auth.ErrNoUsername) {
		writeError(w, http.StatusBadRequest, "Username required")
		return
	}
	if err != nil {
		h.log.Error("issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, Username: username})
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.List(r.Context(), h.broker.cfg.Clock.Now())
	if err != nil {
		h.log.Error("list rooms", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not list rooms")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, directory.Paginate(rooms, page, limit))
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, directory.ErrNotFound) {
		writeError(w, http.StatusNotFound, errRoomNotFound)
		return
	}
	if err != nil {
		h.log.Error("get room", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not load room")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type createRoomRequest struct {
	Name       string               `json:"name"`
	Duration   int                  `json:"duration"` // minutes
	MaxPeople  int                  `json:"maxPeople"`
	Visibility directory.Visibility `json:"visibility"`
}

func (req *createRoomRequest) validate() string {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len([]rune(req.Name)) > maxRoomName {
		return "Room name must be 1 to 100 characters"
	}
	if req.Duration == 0 {
		req.Duration = defaultDuration
	}
	if req.Duration < 0 || req.Duration > maxDuration {
		return "Duration must be between 1 and 1440 minutes"
	}
	if req.MaxPeople < 0 {
		return "maxPeople cannot be negative"
	}
	switch req.Visibility {
	case "":
		req.Visibility = directory.Public
	case directory.Public, directory.Private:
	default:
		return "Visibility must be PUBLIC or PRIVATE"
	}
	return ""
}

// CreateRoom registers a room. Private rooms get a six-digit code that is
// returned once and only stored hashed.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	createdBy := Username(r.Context())
	if createdBy == "" {
		createdBy = "anonymous"
	}
	now := h.broker.cfg.Clock.Now().UTC().Truncate(time.Millisecond)
	room := directory.Room{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Visibility: req.Visibility,
		MaxPeople:  req.MaxPeople,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		EndsAt:     now.Add(time.Duration(req.Duration) * time.Minute),
	}
	if room.Visibility == directory.Private {
		code, err := auth.GenerateCode()
		if err == nil {
			room.CodeHash, err = auth.HashCode(code)
		}
		if err != nil {
			h.log.Error("room code", "error", err)
			writeError(w, http.StatusInternalServerError, "Could not create room")
			return
		}
		room.Code = code
	}

	if err := h.rooms.Create(r.Context(), room); err != nil {
		h.log.Error("create room", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not create room")
		return
	}
	h.log.Info("room created", "room", room.ID, "visibility", room.Visibility, "by", createdBy)
	writeJSON(w, http.StatusCreated, room)
}

// DeleteRoom ends a room early. Only its creator may do so.
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	room, err := h.rooms.Get(r.Context(), id)
	if errors.Is(err, directory.ErrNotFound) {
		writeError(w, http.StatusNotFound, errRoomNotFound)
		return
	}
	if err != nil {
		h.log.Error("get room", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not load room")
		return
	}
	if h.tokens != nil && room.CreatedBy != Username(r.Context()) {
		writeError(w, http.StatusForbidden, "Only the creator can delete this room")
		return
	}
	if err := h.rooms.Delete(r.Context(), id); err != nil && !errors.Is(err, directory.ErrNotFound) {
		h.log.Error("delete room", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not delete room")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
