package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fedchat/chat-server-go/internal/realtime"
)

type RealtimeHandler struct {
	coord    realtime.Coordinator
	upgrader websocket.Upgrader
}

// NewRealtimeHandler upgrades authenticated requests. checkOrigin is the
// origin policy shared with the REST surface.
func NewRealtimeHandler(coord realtime.Coordinator, checkOrigin func(*http.Request) bool) *RealtimeHandler {
	return &RealtimeHandler{
		coord: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// GET /v1/realtime
func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Err(err).Str("userId", userID).Msg("websocket upgrade failed")
		return
	}

	if err := realtime.Serve(r.Context(), ws, userID, h.coord); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("realtime session refused")
	}
}
