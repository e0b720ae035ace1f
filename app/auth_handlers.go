package airchat

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/putto11262002/airchat/core"
	"github.com/putto11262002/airchat/pkg/router"
)

type AuthHandler struct {
	store core.AuthStore
}

func NewAuthHandler(store core.AuthStore) *AuthHandler {
	return &AuthHandler{store: store}
}

type SigninPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SigninPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	session, err := h.store.NewSession(r.Context(), payload.Email, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrBadCredentials):
			return router.NewJsonError(http.StatusUnauthorized, err.Error())
		case errors.Is(err, core.ErrBanned):
			return router.NewJsonError(http.StatusForbidden, err.Error())
		}
		return err
	}

	http.SetCookie(w, core.NewAuthCookie(*session, "/"))
	return router.WriteJSON(w, http.StatusOK, session)
}

func (h *AuthHandler) SignoutHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if err := h.store.DestroySession(r.Context(), session); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusOK)
	return nil
}
