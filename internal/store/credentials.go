package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crmsync/internal/models"
)

// ErrCredentialInactive is returned when tokens are written to a credential
// that was deactivated in the meantime.
var ErrCredentialInactive = errors.New("credential is no longer active")

const credentialColumns = `id, user_id, integration_type, account, access_token, refresh_token,
	expires_at, active, created_at, updated_at`

// GetCredential returns the active credential for the user and integration type,
// or nil, nil if there is none. Expired credentials are returned as is.
func (s *Store) GetCredential(ctx context.Context, userID, integrationType string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE user_id = ? AND integration_type = ? AND active = 1`, userID, integrationType)

	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	return cred, nil
}

// UpsertCredential overwrites the active credential in place, or creates one
// when the user has no active credential for the integration.
func (s *Store) UpsertCredential(ctx context.Context, userID, integrationType string, tokens models.Tokens) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE credentials
		SET account = CASE WHEN ? = '' THEN account ELSE ? END,
		    access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE user_id = ? AND integration_type = ? AND active = 1`,
		tokens.Account, tokens.Account,
		tokens.AccessToken, tokens.RefreshToken, nullTime(tokens.Expiry), now,
		userID, integrationType)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	if n == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO credentials (`+credentialColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			s.ids.New(), userID, integrationType, tokens.Account,
			tokens.AccessToken, tokens.RefreshToken, nullTime(tokens.Expiry), now, now)
		if err != nil {
			return fmt.Errorf("inserting credential: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UpdateTokens stores refreshed tokens on the credential with the given id.
// It never creates a row, so a credential disconnected while its tokens were
// being refreshed stays inactive and ErrCredentialInactive is returned.
func (s *Store) UpdateTokens(ctx context.Context, credentialID string, tokens models.Tokens) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND active = 1`,
		tokens.AccessToken, tokens.RefreshToken, nullTime(tokens.Expiry), s.now(), credentialID)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	if n == 0 {
		return ErrCredentialInactive
	}
	return nil
}

// DeactivateCredential clears the active flag. The row is kept for audit.
// Deactivating a user without an active credential is not an error.
func (s *Store) DeactivateCredential(ctx context.Context, userID, integrationType string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET active = 0, updated_at = ?
		WHERE user_id = ? AND integration_type = ? AND active = 1`,
		s.now(), userID, integrationType)
	if err != nil {
		return fmt.Errorf("deactivating credential: %w", err)
	}
	return nil
}

// ListActiveUsers returns the users holding an active credential for the integration type.
func (s *Store) ListActiveUsers(ctx context.Context, integrationType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM credentials
		WHERE integration_type = ? AND active = 1 ORDER BY user_id`, integrationType)
	if err != nil {
		return nil, fmt.Errorf("listing active users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing active users: %w", err)
	}
	return users, nil
}

// CredentialHistory returns every credential row of a user, newest first.
func (s *Store) CredentialHistory(ctx context.Context, userID string) ([]*models.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	return creds, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*models.Credential, error) {
	var (
		cred    models.Credential
		expires sql.NullTime
	)
	err := row.Scan(&cred.ID, &cred.UserID, &cred.IntegrationType, &cred.Account,
		&cred.AccessToken, &cred.RefreshToken, &expires, &cred.Active,
		&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		cred.Expiry = expires.Time
	}
	return &cred, nil
}
