package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"llm-platform-backend/internal/account/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an account repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, username, password_hash, role, is_active, api_key, api_key_expires_at,
	daily_token_limit, failed_login_attempts, token_version, display_name, class_name, created_at, updated_at`

// GetByID returns the account for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetByUsername returns the account with the given username, or nil if not found.
func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
	return scanAccount(row)
}

// GetByAPIKey returns the account holding the given legacy static key, or nil
// if no account matches exactly.
func (r *PostgresRepository) GetByAPIKey(ctx context.Context, key string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE api_key = $1`, key)
	return scanAccount(row)
}

// Create persists the account. The account must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Account) error {
	display := sql.NullString{String: a.DisplayName, Valid: a.DisplayName != ""}
	class := sql.NullString{String: a.ClassName, Valid: a.ClassName != ""}
	var keyExpiry sql.NullTime
	if a.APIKeyExpiresAt != nil {
		keyExpiry = sql.NullTime{Time: *a.APIKeyExpiresAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, password_hash, role, is_active, api_key, api_key_expires_at,
			daily_token_limit, failed_login_attempts, token_version, display_name, class_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Username, a.PasswordHash, string(a.Role), a.Active, a.APIKey, keyExpiry,
		a.DailyTokenLimit, a.FailedLogins, a.TokenVersion, display, class, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// List returns all accounts ordered by username.
func (r *PostgresRepository) List(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// BumpTokenVersion atomically increments the account's token version by exactly
// one and returns the new value. The version only ever moves forward; there is
// no operation that decreases it.
func (r *PostgresRepository) BumpTokenVersion(ctx context.Context, id string) (int, error) {
	var version int
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts SET token_version = token_version + 1, updated_at = now()
		WHERE id = $1
		RETURNING token_version`, id).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("account not found")
		}
		return 0, err
	}
	return version, nil
}

// UpdatePassword replaces the stored password hash.
func (r *PostgresRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1`, id, passwordHash)
	return err
}

// SetActive flips the active flag. Reactivation also resets the failed-login
// counter; it never touches token_version, so tokens issued before a
// deactivation stay dead.
func (r *PostgresRepository) SetActive(ctx context.Context, id string, active bool) error {
	if active {
		_, err := r.db.ExecContext(ctx, `
			UPDATE accounts SET is_active = TRUE, failed_login_attempts = 0, updated_at = now()
			WHERE id = $1`, id)
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	return err
}

// UpdateUsername renames the account.
func (r *PostgresRepository) UpdateUsername(ctx context.Context, id, username string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET username = $2, updated_at = now() WHERE id = $1`, id, username)
	return err
}

// IncrementFailedLogins bumps the failed-login counter after a bad password.
func (r *PostgresRepository) IncrementFailedLogins(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET failed_login_attempts = failed_login_attempts + 1, updated_at = now()
		WHERE id = $1`, id)
	return err
}

// ResetFailedLogins clears the failed-login counter after a successful login.
func (r *PostgresRepository) ResetFailedLogins(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET failed_login_attempts = 0, updated_at = now() WHERE id = $1`, id)
	return err
}

// RecordLoginAttempt appends one attempt to login_history. Rows are never
// updated or deleted.
func (r *PostgresRepository) RecordLoginAttempt(ctx context.Context, att *domain.LoginAttempt) error {
	accountID := sql.NullString{String: att.AccountID, Valid: att.AccountID != ""}
	reason := sql.NullString{String: att.FailureReason, Valid: att.FailureReason != ""}
	createdAt := att.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO login_history (account_id, ip_address, user_agent, success, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		accountID, att.IP, att.UserAgent, att.Success, reason, createdAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a         domain.Account
		role      string
		keyExpiry sql.NullTime
		display   sql.NullString
		class     sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.Username, &a.PasswordHash, &role, &a.Active, &a.APIKey, &keyExpiry,
		&a.DailyTokenLimit, &a.FailedLogins, &a.TokenVersion, &display, &class, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	parsed, err := domain.ParseRole(role)
	if err != nil {
		return nil, err
	}
	a.Role = parsed
	if keyExpiry.Valid {
		t := keyExpiry.Time
		a.APIKeyExpiresAt = &t
	}
	a.DisplayName = display.String
	a.ClassName = class.String
	return &a, nil
}
