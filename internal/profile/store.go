// Package profile reads users and their music taste from PostgreSQL. The
// tables are owned by the account service; the relay only reads them, but
// ships the schema as embedded migrations for local and test databases.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Match types with a taste source.
const (
	MatchTypeArtist = "artist"
	MatchTypeAlbum  = "album"
)

// ErrUnknownMatchType is returned by Taste for pools without a taste table.
var ErrUnknownMatchType = errors.New("profile: unknown match type")

// Open connects to PostgreSQL and checks the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("profile: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile: ping: %w", err)
	}
	return db, nil
}

// Store reads profiles from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new profile store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DisplayName returns the user's username. found is false for unknown users.
func (s *Store) DisplayName(ctx context.Context, userID string) (name string, found bool, err error) {
	const query = `SELECT username FROM users WHERE id = $1`

	err = s.db.QueryRowContext(ctx, query, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("profile: display name: %w", err)
	}
	return name, true, nil
}

// TopArtists returns the artist names a user has saved, oldest first.
func (s *Store) TopArtists(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT artist_name
		FROM artists
		WHERE created_by = $1
		ORDER BY created_at, id`

	return s.names(ctx, query, userID)
}

// TopAlbums returns the album names a user has saved, oldest first.
func (s *Store) TopAlbums(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT album_name
		FROM albums
		WHERE created_by = $1
		ORDER BY created_at, id`

	return s.names(ctx, query, userID)
}

// Taste returns the user's interest tokens for a match type.
func (s *Store) Taste(ctx context.Context, userID, matchType string) ([]string, error) {
	switch matchType {
	case MatchTypeArtist:
		return s.TopArtists(ctx, userID)
	case MatchTypeAlbum:
		return s.TopAlbums(ctx, userID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMatchType, matchType)
	}
}

func (s *Store) names(ctx context.Context, query, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("profile: query: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("profile: scan: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: rows: %w", err)
	}
	return names, nil
}
