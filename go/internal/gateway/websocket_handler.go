package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/syncroom/go/internal/room"
)

// WebSocketHandler handles WebSocket upgrade requests and room queries
type WebSocketHandler struct {
	service *Service
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(s *Service) *WebSocketHandler {
	return &WebSocketHandler{
		service: s,
	}
}

// HandleRoomConnection handles GET /ws?roomId=..&username=..&clientId=..
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	roomID := query.Get("roomId")
	if roomID == "" {
		http.Error(w, "roomId is required", http.StatusBadRequest)
		return
	}

	username := query.Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	// Clients that reconnect keep their id; new clients get one assigned
	clientID := query.Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := h.service.connectionManager.UpgradeConnection(w, r, roomID, clientID, username)
	if err != nil {
		// The upgrader has already replied to the client
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Str("client_id", clientID).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	h.service.join(conn)
	go conn.readPump()
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.service.connectionManager.GetConnectionStats())
}

// ActiveRoomsResponse is the body of GET /api/rooms/active
type ActiveRoomsResponse struct {
	ActiveUsers int          `json:"activeUsers"`
	Rooms       []room.Stats `json:"rooms"`
}

// HandleActiveRooms handles GET /api/rooms/active
func (h *WebSocketHandler) HandleActiveRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ActiveRoomsResponse{Rooms: h.service.rooms.ActiveRooms()}
	if resp.Rooms == nil {
		resp.Rooms = []room.Stats{}
	}
	for _, stats := range resp.Rooms {
		resp.ActiveUsers += stats.ClientCount
	}
	writeJSON(w, resp)
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
	mux.HandleFunc("/api/rooms/active", h.HandleActiveRooms)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
