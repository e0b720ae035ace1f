package airchat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/airchat/core"
	"github.com/putto11262002/airchat/pkg/router"
)

// TransferHandler serves the transfers and the offers made for them.
type TransferHandler struct {
	store core.TransferStore
}

func NewTransferHandler(store core.TransferStore) *TransferHandler {
	return &TransferHandler{store: store}
}

// CreateTransferHandler books a transfer for the signed in passenger.
func (h *TransferHandler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) error {
	var input core.TransferCreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	input.PassengerID = core.SessionFromRequest(r).UserID
	if err := input.Validate(); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	transfer, err := h.store.CreateTransfer(r.Context(), input)
	if err != nil {
		return fmt.Errorf("CreateTransfer: %w", err)
	}
	return router.WriteJSON(w, http.StatusCreated, transfer)
}

func (h *TransferHandler) AcceptOfferHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	transfer, err := h.store.AcceptOffer(r.Context(),
		chi.URLParam(r, "transferID"), chi.URLParam(r, "offerID"), session.UserID)
	if err != nil {
		return fmt.Errorf("AcceptOffer: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, transfer)
}

type SetTransferStatusPayload struct {
	Status core.TransferStatus `json:"status"`
}

// SetTransferStatusHandler lets the passenger cancel a transfer. Admins may
// also complete it.
func (h *TransferHandler) SetTransferStatusHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SetTransferStatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	session := core.SessionFromRequest(r)
	transferID := chi.URLParam(r, "transferID")
	if !session.IsAdmin() {
		details, err := h.store.GetTransferDetails(r.Context(), transferID)
		if err != nil {
			return fmt.Errorf("GetTransferDetails: %w", err)
		}
		if details == nil || details.PassengerID != session.UserID {
			return core.ErrInvalidTransfer
		}
		if payload.Status != core.TransferCancelled {
			return core.ErrDisAllowedOperation
		}
	}

	transfer, err := h.store.SetTransferStatus(r.Context(), transferID, payload.Status)
	if err != nil {
		return fmt.Errorf("SetTransferStatus: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, transfer)
}

// ListTransfersHandler accepts the status ("all" for every status) and the
// RFC 3339 from and to bounds as query parameters.
func (h *TransferHandler) ListTransfersHandler(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	var filter core.TransferFilter
	if status := q.Get("status"); status != "" && status != "all" {
		filter.Status = core.TransferStatus(status)
	}
	for _, bound := range []struct {
		name string
		dst  *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return router.NewJsonError(http.StatusBadRequest, fmt.Sprintf("invalid %s", bound.name))
		}
		*bound.dst = t
	}

	transfers, err := h.store.ListTransfers(r.Context(), filter)
	if err != nil {
		return fmt.Errorf("ListTransfers: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, transfers)
}

func (h *TransferHandler) GetTransferDetailsHandler(w http.ResponseWriter, r *http.Request) error {
	details, err := h.store.GetTransferDetails(r.Context(), chi.URLParam(r, "transferID"))
	if err != nil {
		return fmt.Errorf("GetTransferDetails: %w", err)
	}
	if details == nil {
		return core.ErrInvalidTransfer
	}
	return router.WriteJSON(w, http.StatusOK, details)
}

type CreateOfferPayload struct {
	Price             float64 `json:"price"`
	Currency          string  `json:"currency"`
	DriverComment     string  `json:"driver_comment"`
	AcceptImmediately bool    `json:"accept_immediately"`
}

// CreateOfferHandler makes an offer in the name of the admin.
func (h *TransferHandler) CreateOfferHandler(w http.ResponseWriter, r *http.Request) error {
	var payload CreateOfferPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	session := core.SessionFromRequest(r)
	offer, err := h.store.CreateOffer(r.Context(), core.OfferCreateInput{
		TransferID:        chi.URLParam(r, "transferID"),
		DriverID:          session.UserID,
		Price:             payload.Price,
		Currency:          payload.Currency,
		DriverComment:     payload.DriverComment,
		IsAdminOffer:      true,
		AcceptImmediately: payload.AcceptImmediately,
	})
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	return router.WriteJSON(w, http.StatusCreated, offer)
}

func (h *TransferHandler) ListOffersHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	offers, err := h.store.GetDriverOffers(r.Context(), session.UserID)
	if err != nil {
		return fmt.Errorf("GetDriverOffers: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, offers)
}
