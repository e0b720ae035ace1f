package airchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/airchat/core"
	"github.com/putto11262002/airchat/pkg/router"
)

type UserHandler struct {
	store core.UserStore
}

func NewUserHandler(store core.UserStore) *UserHandler {
	return &UserHandler{store: store}
}

// RegisterUserHandler signs a user up. Admins are never created through it.
func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) error {
	var user core.User

	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	user.Role = core.UserRole
	if err := user.Validate(); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}

	id, err := h.store.CreateUser(r.Context(), user)
	if err != nil {
		if errors.Is(err, core.ErrConflictedUser) {
			return router.NewJsonError(http.StatusConflict, "user already exists")
		}
		return err
	}

	return router.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	user, err := h.store.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		return fmt.Errorf("GetUserByID: %w", err)
	}

	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	return router.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetUserByIDHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.store.GetUserByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		return err
	}

	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	return router.WriteJSON(w, http.StatusOK, user)
}

// ListUsersHandler lists the users that are not admins. It accepts the
// search and banned query parameters.
func (h *UserHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter := core.UserFilter{Search: q.Get("search")}
	if v := q.Get("banned"); v != "" {
		banned, err := strconv.ParseBool(v)
		if err != nil {
			return router.NewJsonError(http.StatusBadRequest, "invalid banned")
		}
		filter.Banned = &banned
	}
	users, err := h.store.ListUsers(r.Context(), filter)
	if err != nil {
		return fmt.Errorf("ListUsers: %w", err)
	}
	return router.WriteJSON(w, http.StatusOK, users)
}
