package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SQLiteConsoleStore implements ConsoleStore on top of SQLite.
// Every committed mutation is published to the change bus as one change per affected row.
type SQLiteConsoleStore struct {
	db        *sql.DB
	userStore UserStore
	bus       ChangeBus
	logger    *slog.Logger
}

func NewSQLiteConsoleStore(db *sql.DB, userStore UserStore, bus ChangeBus, logger *slog.Logger) *SQLiteConsoleStore {
	return &SQLiteConsoleStore{
		db:        db,
		userStore: userStore,
		bus:       bus,
		logger:    logger,
	}
}

func (s *SQLiteConsoleStore) publish(ctx context.Context, table string, t ChangeType, pairs ...[2]any) {
	publishChanges(ctx, s.bus, s.logger, table, t, pairs...)
}

// publishChanges sends changes for rows that are already committed, one per
// {record, old record} pair. A failed publish cannot undo the write, so it is only logged.
func publishChanges(ctx context.Context, bus ChangeBus, logger *slog.Logger, table string, t ChangeType, pairs ...[2]any) {
	for _, p := range pairs {
		c, err := NewChange(table, t, p[0], p[1])
		if err != nil {
			logger.Error(fmt.Sprintf("NewChange: %v", err))
			continue
		}
		if err := bus.Publish(ctx, c); err != nil {
			logger.Error(fmt.Sprintf("publish %v: %v", c, err), slog.String("table", table))
		}
	}
}

func (s *SQLiteConsoleStore) CreateRoom(ctx context.Context, participant1, participant2 string) (string, error) {
	if participant1 == participant2 {
		return "", ErrInvalidUser
	}
	for _, id := range []string{participant1, participant2} {
		p, err := s.userStore.GetUserByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("GetUserByID: %w", err)
		}
		if p == nil {
			return "", ErrInvalidUser
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT count(*) FROM chat_rooms
	WHERE (participant1_id = @a AND participant2_id = @b)
	OR (participant1_id = @b AND participant2_id = @a)`
	var count int
	if err := tx.QueryRowContext(ctx, query,
		sql.Named("a", participant1), sql.Named("b", participant2)).Scan(&count); err != nil {
		return "", fmt.Errorf("scanning count: %w", err)
	}
	if count > 0 {
		return "", ErrConflictedRoom
	}

	id := uuid.New().String()
	query = `
	INSERT INTO chat_rooms (id, participant1_id, participant2_id, created_at)
	VALUES (@id, @participant1_id, @participant2_id, @created_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("id", id), sql.Named("participant1_id", participant1),
		sql.Named("participant2_id", participant2),
		sql.Named("created_at", time.Now().UnixMilli()))
	if err != nil {
		return "", fmt.Errorf("ExecContext(insert chat_rooms): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("Commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteConsoleStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	query := `
	SELECT id, participant1_id, participant2_id, created_at
	FROM chat_rooms WHERE id = @id`

	var (
		room      Room
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, sql.Named("id", roomID)).
		Scan(&room.ID, &room.Participant1ID, &room.Participant2ID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	room.CreatedAt = time.UnixMilli(createdAt)
	return &room, nil
}

func (s *SQLiteConsoleStore) SendMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	if err := input.Validate(); err != nil {
		return nil, ErrInvalidMessage
	}

	room, err := s.GetRoom(ctx, input.RoomID)
	if err != nil {
		return nil, fmt.Errorf("GetRoom: %w", err)
	}
	if room == nil || !room.HasParticipant(input.SenderID) {
		return nil, ErrInvalidRoom
	}

	createdAt := time.Now()
	query := `
	INSERT INTO messages (room_id, sender_id, content, image_url, is_read, created_at)
	VALUES (@room_id, @sender_id, @content, @image_url, 0, @created_at) RETURNING id`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("room_id", input.RoomID), sql.Named("sender_id", input.SenderID),
		sql.Named("content", input.Content), sql.Named("image_url", input.ImageURL),
		sql.Named("created_at", createdAt.UnixMilli()))

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("row.Scan: %w", err)
	}

	message := &Message{
		ID:        id,
		RoomID:    input.RoomID,
		SenderID:  input.SenderID,
		Content:   input.Content,
		ImageURL:  input.ImageURL,
		CreatedAt: time.UnixMilli(createdAt.UnixMilli()),
	}
	s.publish(ctx, MessagesTable, Insert, [2]any{message, nil})
	return message, nil
}

const messageColumns = `id, room_id, sender_id, content, image_url, is_read, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m         Message
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content,
		&m.ImageURL, &m.IsRead, &createdAt); err != nil {
		return m, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	return m, nil
}

func (s *SQLiteConsoleStore) GetRoomMessages(ctx context.Context, roomID string) ([]Message, error) {
	query := `
	SELECT ` + messageColumns + `
	FROM messages
	WHERE room_id = @room_id
	ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, sql.Named("room_id", roomID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return messages, nil
}

func (s *SQLiteConsoleStore) MarkConversationRead(ctx context.Context, roomID, reader string) (int, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("GetRoom: %w", err)
	}
	if room == nil || !room.HasParticipant(reader) {
		return 0, ErrInvalidRoom
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT ` + messageColumns + `
	FROM messages
	WHERE room_id = @room_id AND sender_id != @reader AND is_read = 0
	ORDER BY id ASC`
	rows, err := tx.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("reader", reader))
	if err != nil {
		return 0, fmt.Errorf("QueryContext: %w", err)
	}
	var unread []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("rows.Scan: %w", err)
		}
		unread = append(unread, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows.Err: %w", err)
	}
	if len(unread) == 0 {
		return 0, nil
	}

	query = `
	UPDATE messages SET is_read = 1
	WHERE room_id = @room_id AND sender_id != @reader AND is_read = 0`
	if _, err := tx.ExecContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("reader", reader)); err != nil {
		return 0, fmt.Errorf("ExecContext(update messages): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Commit: %w", err)
	}

	pairs := make([][2]any, 0, len(unread))
	for _, old := range unread {
		read := old
		read.IsRead = true
		pairs = append(pairs, [2]any{read, old})
	}
	s.publish(ctx, MessagesTable, Update, pairs...)
	return len(unread), nil
}

func (s *SQLiteConsoleStore) GetConversationSummaries(ctx context.Context, admin string) ([]ConversationSummary, error) {
	query := `
	WITH my_rooms AS (
	    SELECT r.id,
	    CASE WHEN r.participant1_id = @admin THEN r.participant2_id ELSE r.participant1_id END AS counterpart_id
	    FROM chat_rooms AS r
	    WHERE r.participant1_id = @admin OR r.participant2_id = @admin
	), last_messages AS (
	    SELECT m.room_id, m.id,
	    COALESCE(NULLIF(m.content, ''), '[image]') AS preview,
	    m.created_at,
	    ROW_NUMBER() OVER (PARTITION BY m.room_id ORDER BY m.created_at DESC, m.id DESC) AS rn
	    FROM messages AS m
	    INNER JOIN my_rooms ON my_rooms.id = m.room_id
	), unread AS (
	    SELECT m.room_id, count(*) AS n
	    FROM messages AS m
	    INNER JOIN my_rooms ON my_rooms.id = m.room_id
	    WHERE m.sender_id != @admin AND m.is_read = 0
	    GROUP BY m.room_id
	)
	SELECT my_rooms.id, my_rooms.counterpart_id, p.full_name, p.avatar_url,
	COALESCE(lm.preview, ''), COALESCE(lm.created_at, 0), COALESCE(unread.n, 0)
	FROM my_rooms
	INNER JOIN profiles AS p ON p.id = my_rooms.counterpart_id
	LEFT JOIN last_messages AS lm ON lm.room_id = my_rooms.id AND lm.rn = 1
	LEFT JOIN unread ON unread.room_id = my_rooms.id
	ORDER BY COALESCE(lm.created_at, 0) DESC, COALESCE(lm.id, 0) DESC, p.full_name ASC`

	rows, err := s.db.QueryContext(ctx, query, sql.Named("admin", admin))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		var (
			cs       ConversationSummary
			lastTime int64
		)
		if err := rows.Scan(&cs.RoomID, &cs.CounterpartID, &cs.CounterpartName,
			&cs.CounterpartAvatar, &cs.LastMessage, &lastTime, &cs.UnreadCount); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if lastTime > 0 {
			cs.LastMessageTime = time.UnixMilli(lastTime)
		}
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return summaries, nil
}

func (s *SQLiteConsoleStore) GetUnreadChatCount(ctx context.Context, admin string) (int, error) {
	query := `
	SELECT count(DISTINCT m.room_id)
	FROM messages AS m
	INNER JOIN chat_rooms AS r ON r.id = m.room_id
	WHERE (r.participant1_id = @admin OR r.participant2_id = @admin)
	AND m.sender_id != @admin AND m.is_read = 0`

	var count int
	if err := s.db.QueryRowContext(ctx, query, sql.Named("admin", admin)).Scan(&count); err != nil {
		return 0, fmt.Errorf("scanning count: %w", err)
	}
	return count, nil
}

func (s *SQLiteConsoleStore) CreateReport(ctx context.Context, input ReportCreateInput) (*Report, error) {
	if err := input.Validate(); err != nil {
		return nil, ErrInvalidUser
	}
	for _, id := range []string{input.ReporterID, input.ReportedUserID} {
		p, err := s.userStore.GetUserByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("GetUserByID: %w", err)
		}
		if p == nil {
			return nil, ErrInvalidUser
		}
	}

	report := &Report{
		ID:             uuid.New().String(),
		ReporterID:     input.ReporterID,
		ReportedUserID: input.ReportedUserID,
		Reason:         input.Reason,
		CreatedAt:      time.UnixMilli(time.Now().UnixMilli()),
	}
	query := `
	INSERT INTO reports (id, reporter_id, reported_user_id, reason, created_at)
	VALUES (@id, @reporter_id, @reported_user_id, @reason, @created_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", report.ID), sql.Named("reporter_id", report.ReporterID),
		sql.Named("reported_user_id", report.ReportedUserID),
		sql.Named("reason", report.Reason),
		sql.Named("created_at", report.CreatedAt.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("ExecContext: %w", err)
	}

	s.publish(ctx, ReportsTable, Insert, [2]any{report, nil})
	return report, nil
}

func (s *SQLiteConsoleStore) getReport(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, reportID string) (*Report, error) {
	query := `
	SELECT id, reporter_id, reported_user_id, reason, created_at
	FROM reports WHERE id = @id`
	var (
		r         Report
		createdAt int64
	)
	err := q.QueryRowContext(ctx, query, sql.Named("id", reportID)).
		Scan(&r.ID, &r.ReporterID, &r.ReportedUserID, &r.Reason, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

func (s *SQLiteConsoleStore) DeleteReport(ctx context.Context, reportID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	report, err := s.deleteReport(ctx, tx, reportID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	s.publish(ctx, ReportsTable, Delete, [2]any{nil, report})
	return nil
}

func (s *SQLiteConsoleStore) deleteReport(ctx context.Context, tx *sql.Tx, reportID string) (*Report, error) {
	report, err := s.getReport(ctx, tx, reportID)
	if err != nil {
		return nil, fmt.Errorf("getReport: %w", err)
	}
	if report == nil {
		return nil, ErrInvalidReport
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id = @id`,
		sql.Named("id", reportID)); err != nil {
		return nil, fmt.Errorf("ExecContext(delete reports): %w", err)
	}
	return report, nil
}

func (s *SQLiteConsoleStore) ListReports(ctx context.Context) ([]Report, error) {
	query := `
	SELECT id, reporter_id, reported_user_id, reason, created_at
	FROM reports ORDER BY created_at DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var (
			r         Report
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.ReporterID, &r.ReportedUserID, &r.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return reports, nil
}

func (s *SQLiteConsoleStore) GetOpenReportCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM reports`).Scan(&count); err != nil {
		return 0, fmt.Errorf("scanning count: %w", err)
	}
	return count, nil
}

func (s *SQLiteConsoleStore) setBanned(ctx context.Context, tx *sql.Tx, userID string, banned bool) (*Profile, error) {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET is_banned = @banned WHERE id = @id`,
		sql.Named("banned", banned), sql.Named("id", userID))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(update profiles): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return nil, ErrInvalidUser
	}
	p, err := scanProfile(tx.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE id = ?", userID))
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return p, nil
}

func (s *SQLiteConsoleStore) BanUser(ctx context.Context, userID, reportID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	profile, err := s.setBanned(ctx, tx, userID, true)
	if err != nil {
		return err
	}

	var report *Report
	if reportID != "" {
		if report, err = s.deleteReport(ctx, tx, reportID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}

	s.publish(ctx, ProfilesTable, Update, [2]any{profile, nil})
	if report != nil {
		s.publish(ctx, ReportsTable, Delete, [2]any{nil, report})
	}
	return nil
}

func (s *SQLiteConsoleStore) UnbanUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	profile, err := s.setBanned(ctx, tx, userID, false)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	s.publish(ctx, ProfilesTable, Update, [2]any{profile, nil})
	return nil
}

func (s *SQLiteConsoleStore) ListBannedUsers(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE is_banned = 1 ORDER BY full_name ASC")
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return profiles, nil
}
