package airchat

import (
	"context"
	"fmt"
	"time"
)

const lastSeenTimeout = 5 * time.Second

func (app *App) touchLastSeen(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
	defer cancel()
	if err := app.userStore.TouchLastSeen(ctx, userID, time.Now()); err != nil {
		app.logger.Warn(fmt.Sprintf("touch last seen of %s: %v", userID, err))
	}
}

func (app *App) onUserConnect(userID string) {
	app.logger.Debug(fmt.Sprintf("%s connected", userID))
	app.touchLastSeen(userID)
}

// onUserDisconnect runs when the last socket of a user closes.
func (app *App) onUserDisconnect(userID string) {
	app.logger.Debug(fmt.Sprintf("%s disconnected", userID))
	app.touchLastSeen(userID)
}
