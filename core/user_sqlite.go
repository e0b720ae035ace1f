package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{
		db: db,
	}
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) (string, error) {
	eu, err := s.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return "", fmt.Errorf("checking if user exists: %w", err)
	}

	if eu != nil {
		return "", ErrConflictedUser
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	role := user.Role
	if role == "" {
		role = UserRole
	}

	id := uuid.New().String()
	query := `
		INSERT INTO profiles (id, email, password, full_name, avatar_url, role, created_at)
		VALUES (@id, @email, @password, @full_name, @avatar_url, @role, @created_at)`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("id", id), sql.Named("email", user.Email),
		sql.Named("password", string(hashed)), sql.Named("full_name", user.FullName),
		sql.Named("avatar_url", user.AvatarURL), sql.Named("role", role),
		sql.Named("created_at", time.Now().UnixMilli()))
	if err != nil {
		return "", fmt.Errorf("creating user: %w", err)
	}

	return id, nil
}

const profileColumns = `id, email, full_name, avatar_url, role, is_banned, last_seen`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	var (
		p        Profile
		lastSeen int64
	)
	if err := row.Scan(&p.ID, &p.Email, &p.FullName, &p.AvatarURL,
		&p.Role, &p.IsBanned, &lastSeen); err != nil {
		return nil, err
	}
	if lastSeen > 0 {
		p.LastSeen = time.UnixMilli(lastSeen)
	}
	return &p, nil
}

func (s *SQLiteUserStore) GetUserByID(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE id = ? LIMIT 1", id)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return p, nil
}

func (s *SQLiteUserStore) GetUserByEmail(ctx context.Context, email string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE email = ? LIMIT 1", email)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return p, nil
}

func (s *SQLiteUserStore) ComparePassword(ctx context.Context, email, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT password FROM profiles WHERE email = ? LIMIT 1", email)

	var storedPassword string
	if err := row.Scan(&storedPassword); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("scanning password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedPassword), []byte(password)); err != nil {
		return false, nil
	}

	return true, nil
}

func (s *SQLiteUserStore) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE profiles SET last_seen = @last_seen WHERE id = @id",
		sql.Named("last_seen", at.UnixMilli()), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) ListUsers(ctx context.Context, filter UserFilter) ([]Profile, error) {
	banned := -1
	if filter.Banned != nil {
		banned = 0
		if *filter.Banned {
			banned = 1
		}
	}
	query := `
	SELECT ` + profileColumns + `
	FROM profiles
	WHERE role != @admin
	AND (@search = '' OR full_name LIKE @pattern OR email LIKE @pattern)
	AND (@banned < 0 OR is_banned = @banned)
	ORDER BY full_name ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("admin", string(AdminRole)), sql.Named("search", filter.Search),
		sql.Named("pattern", "%"+filter.Search+"%"), sql.Named("banned", banned))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	profiles := []Profile{}
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
