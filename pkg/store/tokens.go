package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateAccessToken persists a new personal access token. Only the hash
// of the secret is stored; the caller keeps the plaintext.
func (s *Store) CreateAccessToken(ctx context.Context, token *AccessToken, tokenHash string) error {
	query := `
		INSERT INTO access_tokens (token_hash, username, name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		tokenHash,
		token.Username,
		token.Name,
		token.ExpiresAt,
		now,
	).Scan(&token.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("token %s/%s: %w", token.Username, token.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}

	token.CreatedAt = now
	return nil
}

// GetAccessTokenByHash looks up a token by the hash of its secret.
// Expired tokens are not returned.
func (s *Store) GetAccessTokenByHash(ctx context.Context, tokenHash string, now time.Time) (*AccessToken, error) {
	query := `
		SELECT id, username, name, expires_at, last_used_at, created_at
		FROM access_tokens
		WHERE token_hash = $1 AND expires_at > $2
	`

	var token AccessToken
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, query, tokenHash, now.UTC()).Scan(
		&token.ID,
		&token.Username,
		&token.Name,
		&token.ExpiresAt,
		&lastUsed,
		&token.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("access token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	if lastUsed.Valid {
		t := lastUsed.Time
		token.LastUsedAt = &t
	}

	return &token, nil
}

// TouchAccessToken records token usage. Best effort; callers log and
// continue on failure.
func (s *Store) TouchAccessToken(ctx context.Context, id int64, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET last_used_at = $1 WHERE id = $2`,
		usedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch access token: %w", err)
	}
	return nil
}

// ListAccessTokens lists a user's tokens, newest first.
func (s *Store) ListAccessTokens(ctx context.Context, username string) ([]AccessToken, error) {
	query := `
		SELECT id, username, name, expires_at, last_used_at, created_at
		FROM access_tokens
		WHERE username = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list access tokens: %w", err)
	}
	defer rows.Close()

	var tokens []AccessToken
	for rows.Next() {
		var token AccessToken
		var lastUsed sql.NullTime
		err := rows.Scan(
			&token.ID,
			&token.Username,
			&token.Name,
			&token.ExpiresAt,
			&lastUsed,
			&token.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access token: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			token.LastUsedAt = &t
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

// RevokeAccessToken deletes a user's token by name.
func (s *Store) RevokeAccessToken(ctx context.Context, username, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE username = $1 AND name = $2`,
		username, name,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("token %s/%s: %w", username, name, ErrNotFound)
	}

	return nil
}

// PurgeExpiredTokens deletes tokens whose expiry has passed and returns
// the number removed. Run by the janitor.
func (s *Store) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE expires_at <= $1`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}

	return affected, nil
}

// CountActiveTokens returns the number of unexpired tokens, for metrics.
func (s *Store) CountActiveTokens(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_tokens WHERE expires_at > $1`,
		now.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tokens: %w", err)
	}
	return count, nil
}
