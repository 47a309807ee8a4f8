package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/service"
)

type MessagesHandler struct {
	coord *service.Coordinator
}

func NewMessagesHandler(coord *service.Coordinator) *MessagesHandler {
	return &MessagesHandler{coord: coord}
}

// GET /v1/rooms/{roomId}/messages?limit=&before=
func (h *MessagesHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	roomID := chi.URLParam(r, "roomId")
	page := ParseHistoryPage(r)

	msgs, err := h.coord.History(r.Context(), userID, roomID, page.Before, page.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	resp := map[string]any{
		"roomId":   roomID,
		"messages": msgs,
	}
	// Results are newest first; the oldest seq is the cursor for the next page.
	if len(msgs) == page.Limit {
		resp["nextBefore"] = msgs[len(msgs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /v1/messages/{messageId}/delivery
func (h *MessagesHandler) Delivery(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	messageID := chi.URLParam(r, "messageId")
	status, err := h.coord.DeliveryStatus(r.Context(), userID, messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": messageID,
		"delivery":  status,
	})
}
