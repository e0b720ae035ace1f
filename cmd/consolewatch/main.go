// Command consolewatch signs in to an AirChat backend as an admin, mounts one
// console page over the realtime endpoint and logs its counters as they change.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	airchat "github.com/putto11262002/airchat/app"
	"github.com/putto11262002/airchat/pkg/realtime"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type options struct {
	URL      string
	Email    string
	Password string
	Page     string
	Room     string
	LogLevel string
}

func loadOptions() (*options, error) {
	flag.String("url", "http://localhost:8080", "base URL of the backend")
	flag.String("email", "", "admin email")
	flag.String("password", "", "admin password")
	flag.String("page", "layout", "page to mount: layout, list or room")
	flag.String("room", "", "room ID, required by the room page")
	flag.String("loglevel", "info", "debug, info, warn or error")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("CONSOLEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, err
	}

	var opts options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, err
	}
	if opts.Email == "" || opts.Password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	switch opts.Page {
	case "layout", "list":
	case "room":
		if opts.Room == "" {
			return nil, fmt.Errorf("room is required by the room page")
		}
	default:
		return nil, fmt.Errorf("unknown page %q", opts.Page)
	}
	return &opts, nil
}

func main() {
	opts, err := loadOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "consolewatch: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	logger := airchat.NewLogger(opts.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("consolewatch", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, logger *slog.Logger) error {
	session, err := realtime.SignIn(ctx, opts.URL, opts.Email, opts.Password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	backend := realtime.NewHTTPBackend(opts.URL, session.Token)

	conn, err := realtime.DialWS(ctx, backend.RealtimeURL(), session.Token, realtime.WithWSLogger(logger))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// updates may arrive on the read loop before the page is assigned
	var (
		mu     sync.Mutex
		report func()
	)
	pageOpts := &realtime.PageOptions{
		Logger: logger,
		OnUpdate: func() {
			mu.Lock()
			defer mu.Unlock()
			if report != nil {
				report()
			}
		},
	}
	var closePage func()

	switch opts.Page {
	case "layout":
		layout, err := realtime.MountLayout(ctx, conn, backend, pageOpts)
		if err != nil {
			return err
		}
		closePage = layout.Close
		mu.Lock()
		report = func() {
			logger.Info("layout",
				"unread_chats", layout.Unread.TotalUnread(),
				"open_reports", layout.Unread.OpenReports())
		}
		mu.Unlock()

	case "list":
		list, err := realtime.MountChatList(ctx, conn, backend, session.UserID, pageOpts)
		if err != nil {
			return err
		}
		closePage = list.Close
		mu.Lock()
		report = func() {
			summaries, err := list.Unread.Conversations()
			if err != nil {
				logger.Warn("chat list", "error", err)
				return
			}
			for _, s := range summaries {
				logger.Info("conversation",
					"room_id", s.RoomID,
					"counterpart", s.CounterpartID,
					"online", list.Presence.IsOnline(s.CounterpartID),
					"unread", list.Unread.UnreadCount(s.RoomID))
			}
		}
		mu.Unlock()

	case "room":
		room, err := realtime.MountChatRoom(ctx, conn, backend, opts.Room, session.UserID, pageOpts)
		if err != nil {
			return err
		}
		closePage = room.Close
		seen := 0
		mu.Lock()
		report = func() {
			messages := room.Messages()
			for _, m := range messages[min(seen, len(messages)):] {
				logger.Info("message", "id", m.ID, "sender", m.SenderID, "content", m.Content)
			}
			seen = len(messages)
			logger.Debug("room", "counterpart_online", room.CounterpartOnline())
		}
		mu.Unlock()
	}
	defer closePage()
	pageOpts.OnUpdate()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-conn.Done():
		return fmt.Errorf("realtime connection closed")
	}
	return nil
}
