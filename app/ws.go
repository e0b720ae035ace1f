package airchat

import (
	"fmt"
	"net/http"

	"github.com/putto11262002/airchat/core"
)

// RealtimeHandler upgrades an authenticated request to the realtime socket.
// Browsers cannot set headers on a websocket handshake, so the token may also
// come from the auth cookie or the access_token query parameter.
func (app *App) RealtimeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if err := app.wsManager.Connect(session, w, r); err != nil {
		// the upgrader has already replied
		app.logger.Debug(fmt.Sprintf("realtime connect %s: %v", session.UserID, err))
	}
	return nil
}
