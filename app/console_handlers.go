package airchat

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/airchat/core"
	"github.com/putto11262002/airchat/pkg/router"
)

// ConsoleHandler serves the conversations and reports of the console.
// Store errors are mapped to responses by the error mappers of the router.
type ConsoleHandler struct {
	store core.ConsoleStore
}

func NewConsoleHandler(store core.ConsoleStore) *ConsoleHandler {
	return &ConsoleHandler{store: store}
}

type countResponse struct {
	Count int `json:"count"`
}

func (h *ConsoleHandler) GetConversationsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	summaries, err := h.store.GetConversationSummaries(r.Context(), session.UserID)
	if err != nil {
		return fmt.Errorf("GetConversationSummaries: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, summaries)
}

func (h *ConsoleHandler) GetUnreadChatCountHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	count, err := h.store.GetUnreadChatCount(r.Context(), session.UserID)
	if err != nil {
		return fmt.Errorf("GetUnreadChatCount: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, countResponse{Count: count})
}

func (h *ConsoleHandler) MarkConversationReadHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	count, err := h.store.MarkConversationRead(r.Context(), chi.URLParam(r, "roomID"), session.UserID)
	if err != nil {
		return fmt.Errorf("MarkConversationRead: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, countResponse{Count: count})
}

type CreateRoomPayload struct {
	ParticipantID string `json:"participant_id"`
}

func (h *ConsoleHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	var payload CreateRoomPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	session := core.SessionFromRequest(r)
	if payload.ParticipantID == "" || payload.ParticipantID == session.UserID {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	id, err := h.store.CreateRoom(r.Context(), session.UserID, payload.ParticipantID)
	if err != nil {
		return fmt.Errorf("CreateRoom: %w", err)
	}
	return router.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// participantRoom returns the room of the request if the session takes part in it.
func (h *ConsoleHandler) participantRoom(r *http.Request) (*core.Room, error) {
	session := core.SessionFromRequest(r)
	room, err := h.store.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		return nil, fmt.Errorf("GetRoom: %w", err)
	}
	if room == nil || !room.HasParticipant(session.UserID) {
		return nil, core.ErrInvalidRoom
	}
	return room, nil
}

func (h *ConsoleHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) error {
	room, err := h.participantRoom(r)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, room)
}

func (h *ConsoleHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	room, err := h.participantRoom(r)
	if err != nil {
		return err
	}
	messages, err := h.store.GetRoomMessages(r.Context(), room.ID)
	if err != nil {
		return fmt.Errorf("GetRoomMessages: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, messages)
}

type SendMessagePayload struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url"`
}

func (h *ConsoleHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	session := core.SessionFromRequest(r)
	message, err := h.store.SendMessage(r.Context(), core.MessageCreateInput{
		RoomID:   chi.URLParam(r, "roomID"),
		SenderID: session.UserID,
		Content:  payload.Content,
		ImageURL: payload.ImageURL,
	})
	if err != nil {
		return fmt.Errorf("SendMessage: %w", err)
	}
	return router.WriteJSON(w, http.StatusCreated, message)
}

type CreateReportPayload struct {
	ReportedUserID string `json:"reported_user_id"`
	Reason         string `json:"reason"`
}

func (h *ConsoleHandler) CreateReportHandler(w http.ResponseWriter, r *http.Request) error {
	var payload CreateReportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	session := core.SessionFromRequest(r)
	report, err := h.store.CreateReport(r.Context(), core.ReportCreateInput{
		ReporterID:     session.UserID,
		ReportedUserID: payload.ReportedUserID,
		Reason:         payload.Reason,
	})
	if err != nil {
		return fmt.Errorf("CreateReport: %w", err)
	}
	return router.WriteJSON(w, http.StatusCreated, report)
}

func (h *ConsoleHandler) ListReportsHandler(w http.ResponseWriter, r *http.Request) error {
	reports, err := h.store.ListReports(r.Context())
	if err != nil {
		return fmt.Errorf("ListReports: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, reports)
}

func (h *ConsoleHandler) GetOpenReportCountHandler(w http.ResponseWriter, r *http.Request) error {
	count, err := h.store.GetOpenReportCount(r.Context())
	if err != nil {
		return fmt.Errorf("GetOpenReportCount: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, countResponse{Count: count})
}

func (h *ConsoleHandler) DeleteReportHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.store.DeleteReport(r.Context(), chi.URLParam(r, "reportID")); err != nil {
		return fmt.Errorf("DeleteReport: %w", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type BanUserPayload struct {
	// ReportID is resolved together with the ban when set.
	ReportID string `json:"report_id"`
}

func (h *ConsoleHandler) BanUserHandler(w http.ResponseWriter, r *http.Request) error {
	var payload BanUserPayload
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return router.NewJsonError(http.StatusBadRequest, "invalid input")
		}
		defer r.Body.Close()
	}

	session := core.SessionFromRequest(r)
	userID := chi.URLParam(r, "userID")
	if userID == session.UserID {
		return core.ErrDisAllowedOperation
	}
	if err := h.store.BanUser(r.Context(), userID, payload.ReportID); err != nil {
		return fmt.Errorf("BanUser: %w", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ConsoleHandler) UnbanUserHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.store.UnbanUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		return fmt.Errorf("UnbanUser: %w", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ConsoleHandler) ListBannedUsersHandler(w http.ResponseWriter, r *http.Request) error {
	users, err := h.store.ListBannedUsers(r.Context())
	if err != nil {
		return fmt.Errorf("ListBannedUsers: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, users)
}
