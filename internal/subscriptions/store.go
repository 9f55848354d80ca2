package subscriptions

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Subscription is one browser push endpoint registered by a user.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	TenantID  *string   `json:"tenant_id,omitempty"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"user_agent,omitempty"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists subscriptions.
type Store interface {
	// Upsert inserts s or reactivates and updates the row with the same
	// (user_id, endpoint).
	Upsert(ctx context.Context, s Subscription) (Subscription, error)
	// Deactivate marks the user's subscription for endpoint inactive and
	// reports whether a row matched.
	Deactivate(ctx context.Context, userID, endpoint string) (bool, error)
}

// PGStore keeps subscriptions in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// OpenPool connects to databaseURL and checks the connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("config postgres: %w", err)
	}
	if cfg.MaxConns > 8 {
		cfg.MaxConns = 8
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the subscription table when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply subscription schema: %w", err)
	}
	return nil
}

func (s *PGStore) Upsert(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	var ua *string
	if sub.UserAgent != "" {
		ua = &sub.UserAgent
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO push_subscriptions (id, user_id, tenant_id, endpoint, p256dh, auth, user_agent, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, now())
		ON CONFLICT (user_id, endpoint) DO UPDATE SET
			tenant_id  = EXCLUDED.tenant_id,
			p256dh     = EXCLUDED.p256dh,
			auth       = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent,
			active     = TRUE,
			updated_at = now()
		RETURNING id, active, updated_at
	`, sub.ID, sub.UserID, sub.TenantID, sub.Endpoint, sub.P256dh, sub.Auth, ua).Scan(&sub.ID, &sub.Active, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return sub, nil
}

func (s *PGStore) Deactivate(ctx context.Context, userID, endpoint string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE push_subscriptions SET active = FALSE, updated_at = now()
		WHERE user_id = $1 AND endpoint = $2
	`, userID, endpoint)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
