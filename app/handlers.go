package parley

import (
	"net/http"
	"strconv"

	"github.com/putto11262002/parley/core"
	"github.com/putto11262002/parley/pkg/router"
)

type PresenceHandler struct {
	presence *core.Presence
}

func NewPresenceHandler(presence *core.Presence) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

type PresenceCountResponse struct {
	Count int `json:"count"`
}

type UserPresenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (h *PresenceHandler) CountHandler(w http.ResponseWriter, r *http.Request) error {
	return router.WriteJSON(w, http.StatusOK, PresenceCountResponse{Count: h.presence.Count()})
}

func (h *PresenceHandler) UserPresenceHandler(w http.ResponseWriter, r *http.Request) error {
	userID := r.PathValue("userID")
	if userID == "" {
		return router.NewJsonError(http.StatusBadRequest, "user id is required")
	}
	return router.WriteJSON(w, http.StatusOK, UserPresenceResponse{
		UserID: userID,
		Online: h.presence.IsOnline(userID),
	})
}

type CallHandler struct {
	store core.ConversationStore
}

func NewCallHandler(store core.ConversationStore) *CallHandler {
	return &CallHandler{store: store}
}

type CallHistoryQuery struct {
	Limit int `validate:"gte=0"`
}

type CallHistoryResponse struct {
	Calls []core.CallSession `json:"calls"`
}

func (h *CallHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) error {
	userID := core.UserIDFromRequest(r)

	var query CallHistoryQuery
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return router.NewJsonError(http.StatusBadRequest, "limit must be an integer")
		}
		query.Limit = limit
	}
	if err := validate.Struct(query); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "limit must be at least 0")
	}

	calls, err := h.store.CallHistory(r.Context(), userID, query.Limit)
	if err != nil {
		return err
	}
	if calls == nil {
		calls = []core.CallSession{}
	}
	return router.WriteJSON(w, http.StatusOK, CallHistoryResponse{Calls: calls})
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (app *App) HealthHandler(w http.ResponseWriter, r *http.Request) error {
	return router.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok", Sessions: app.hub.SessionCount()})
}
