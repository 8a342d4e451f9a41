package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
)

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and returns a ready
// store.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB returns the underlying handle, used by the migration runner.
func (s *Postgres) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = "sent"
	}

	const query = `
		INSERT INTO messages (id, chat_id, sender_id, content, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, m.ID, m.ChatID, m.SenderID, m.Content, m.Status).
		Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

func (s *Postgres) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, status, created_at, updated_at
		FROM messages
		WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return &m, nil
}

func (s *Postgres) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	const query = `
		UPDATE messages SET content = $2, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, messageID, content)
	if err != nil {
		return fmt.Errorf("store: update message content: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	const query = `
		UPDATE messages SET status = $2, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, messageID, status)
	if err != nil {
		return fmt.Errorf("store: update message status: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) DeleteMessage(ctx context.Context, messageID string) error {
	const query = `DELETE FROM messages WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, messageID)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) ChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	const query = `SELECT user_id FROM chat_participants WHERE chat_id = $1`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: chat participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chat participants: %w", err)
	}
	return participants, nil
}

func (s *Postgres) SaveLocation(ctx context.Context, userID string, lat, lon float64, accuracy, altitude, speed, heading *float64) error {
	const query = `
		INSERT INTO user_locations (user_id, latitude, longitude, accuracy, altitude, speed, heading)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query, userID, lat, lon, accuracy, altitude, speed, heading)
	if err != nil {
		return fmt.Errorf("store: save location: %w", err)
	}
	return nil
}

func (s *Postgres) CreateShare(ctx context.Context, rec *ShareRecord) error {
	const query = `
		INSERT INTO location_shares (id, user_id, target_user_id, expires_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query, rec.ID, rec.UserID, rec.TargetUserID, rec.ExpiresAt).
		Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create location share: %w", err)
	}
	return nil
}

func (s *Postgres) EndShare(ctx context.Context, shareID string) error {
	const query = `
		UPDATE location_shares SET ended_at = NOW()
		WHERE id = $1 AND ended_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, shareID); err != nil {
		return fmt.Errorf("store: end location share: %w", err)
	}
	return nil
}

func (s *Postgres) GeofenceAreas(ctx context.Context, userID string) ([]GeofenceArea, error) {
	const query = `
		SELECT id, user_id, name, center_lat, center_lon, radius_meters, notify_on_entry, notify_on_exit
		FROM geofence_areas
		WHERE user_id = $1 AND active`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: geofence areas: %w", err)
	}
	defer rows.Close()

	var areas []GeofenceArea
	for rows.Next() {
		var a GeofenceArea
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.CenterLat, &a.CenterLon,
			&a.RadiusMeters, &a.NotifyOnEntry, &a.NotifyOnExit); err != nil {
			return nil, fmt.Errorf("store: scan geofence area: %w", err)
		}
		areas = append(areas, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: geofence areas: %w", err)
	}
	return areas, nil
}

func (s *Postgres) RecordGeofenceEvent(ctx context.Context, userID string, geofenceID int64, event string, lat, lon float64) error {
	const query = `
		INSERT INTO geofence_events (user_id, geofence_id, event_type, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, userID, geofenceID, event, lat, lon)
	if err != nil {
		return fmt.Errorf("store: record geofence event: %w", err)
	}
	return nil
}

// requireRow converts a zero-row update/delete into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
