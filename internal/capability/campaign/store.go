// Package campaign implements the campaign automation capability: a
// SQLite-backed campaign catalog whose mutations are idempotent on the
// caller's invocation ID, exposed to the reasoning loop as
// create/update/list/get tools.
package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Campaign statuses. A campaign starts in draft and moves between
// active and paused; archived is terminal.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

var validStatuses = map[string]bool{
	StatusDraft:    true,
	StatusActive:   true,
	StatusPaused:   true,
	StatusArchived: true,
}

var validObjectives = map[string]bool{
	"traffic":     true,
	"conversions": true,
	"awareness":   true,
	"leads":       true,
	"sales":       true,
}

var validChannels = map[string]bool{
	"search":  true,
	"social":  true,
	"display": true,
	"video":   true,
	"email":   true,
}

// Campaign is one ad campaign owned by a user.
type Campaign struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	Objective        string    `json:"objective"`
	Channel          string    `json:"channel"`
	Status           string    `json:"status"`
	DailyBudgetCents int64     `json:"daily_budget_cents"`
	Audience         string    `json:"audience,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Update carries the mutable fields of a campaign. Nil pointers leave
// the current value untouched.
type Update struct {
	Name             *string
	Status           *string
	DailyBudgetCents *int64
	Audience         *string
}

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	objective TEXT NOT NULL,
	channel TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	daily_budget_cents INTEGER NOT NULL DEFAULT 0,
	audience TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_campaigns_user ON campaigns(user_id, status);

CREATE TABLE IF NOT EXISTS campaign_invocations (
	invocation_id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Store persists campaigns in the shared platform database. Each
// mutation records the invocation ID that applied it, so a crashed or
// retried call replays as a no-op returning the first outcome.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an open database handle and ensures the schema exists.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "campaign")}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create campaign schema: %w", err)
	}
	return s, nil
}

// Create inserts a new campaign and returns it with its assigned ID.
// The bool reports whether this call applied: a replayed invocation ID
// returns the campaign created by the first call and false.
func (s *Store) Create(ctx context.Context, invocationID string, c Campaign) (*Campaign, bool, error) {
	if invocationID == "" {
		return nil, false, fmt.Errorf("create campaign: invocation id is required")
	}
	if c.UserID == "" {
		return nil, false, fmt.Errorf("create campaign: user id is required")
	}
	if c.Name == "" {
		return nil, false, fmt.Errorf("create campaign: name is required")
	}
	if !validObjectives[c.Objective] {
		return nil, false, fmt.Errorf("create campaign: unknown objective %q", c.Objective)
	}
	if !validChannels[c.Channel] {
		return nil, false, fmt.Errorf("create campaign: unknown channel %q", c.Channel)
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if !validStatuses[c.Status] {
		return nil, false, fmt.Errorf("create campaign: unknown status %q", c.Status)
	}
	if c.DailyBudgetCents < 0 {
		return nil, false, fmt.Errorf("create campaign: daily budget must not be negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin create campaign: %w", err)
	}
	defer tx.Rollback()

	if existing, err := s.appliedCampaign(ctx, tx, invocationID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("generate campaign id: %w", err)
	}
	c.ID = id.String()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, user_id, name, objective, channel, status, daily_budget_cents, audience, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Objective, c.Channel, c.Status,
		c.DailyBudgetCents, c.Audience, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert campaign: %w", err)
	}

	if err := s.recordInvocation(ctx, tx, invocationID, c.ID, "create"); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit create campaign: %w", err)
	}

	s.logger.Info("campaign created",
		"campaign_id", c.ID,
		"user_id", c.UserID,
		"channel", c.Channel,
		"daily_budget_cents", c.DailyBudgetCents,
	)
	return &c, true, nil
}

// Update mutates an existing campaign. The bool reports whether this
// call applied; a replayed invocation ID returns the campaign as the
// first call left it and false.
func (s *Store) Update(ctx context.Context, invocationID, campaignID string, u Update) (*Campaign, bool, error) {
	if invocationID == "" {
		return nil, false, fmt.Errorf("update campaign: invocation id is required")
	}
	if u.Name != nil && *u.Name == "" {
		return nil, false, fmt.Errorf("update campaign: name must not be empty")
	}
	if u.Status != nil && !validStatuses[*u.Status] {
		return nil, false, fmt.Errorf("update campaign: unknown status %q", *u.Status)
	}
	if u.DailyBudgetCents != nil && *u.DailyBudgetCents < 0 {
		return nil, false, fmt.Errorf("update campaign: daily budget must not be negative")
	}
	if u.Name == nil && u.Status == nil && u.DailyBudgetCents == nil && u.Audience == nil {
		return nil, false, fmt.Errorf("update campaign: no fields to update")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin update campaign: %w", err)
	}
	defer tx.Rollback()

	if existing, err := s.appliedCampaign(ctx, tx, invocationID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	c, err := scanCampaign(tx.QueryRowContext(ctx, selectCampaign+" WHERE id = ?", campaignID))
	if err == sql.ErrNoRows {
		return nil, false, fmt.Errorf("campaign %s not found", campaignID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("load campaign: %w", err)
	}

	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.DailyBudgetCents != nil {
		c.DailyBudgetCents = *u.DailyBudgetCents
	}
	if u.Audience != nil {
		c.Audience = *u.Audience
	}
	c.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET name = ?, status = ?, daily_budget_cents = ?, audience = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Status, c.DailyBudgetCents, c.Audience,
		c.UpdatedAt.Format(time.RFC3339Nano), c.ID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update campaign: %w", err)
	}

	if err := s.recordInvocation(ctx, tx, invocationID, c.ID, "update"); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit update campaign: %w", err)
	}

	s.logger.Info("campaign updated", "campaign_id", c.ID, "status", c.Status)
	return c, true, nil
}

// Get returns a campaign by ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, selectCampaign+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// List returns a user's campaigns, newest first. A non-empty status
// narrows the result.
func (s *Store) List(ctx context.Context, userID, status string) ([]Campaign, error) {
	query := selectCampaign + " WHERE user_id = ?"
	args := []any{userID}
	if status != "" {
		if !validStatuses[status] {
			return nil, fmt.Errorf("list campaigns: unknown status %q", status)
		}
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// appliedCampaign looks up whether this invocation already ran and, if
// so, loads the campaign it touched.
func (s *Store) appliedCampaign(ctx context.Context, tx *sql.Tx, invocationID string) (*Campaign, error) {
	var campaignID string
	err := tx.QueryRowContext(ctx,
		`SELECT campaign_id FROM campaign_invocations WHERE invocation_id = ?`,
		invocationID,
	).Scan(&campaignID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check invocation: %w", err)
	}

	c, err := scanCampaign(tx.QueryRowContext(ctx, selectCampaign+" WHERE id = ?", campaignID))
	if err != nil {
		return nil, fmt.Errorf("load applied campaign: %w", err)
	}
	return c, nil
}

func (s *Store) recordInvocation(ctx context.Context, tx *sql.Tx, invocationID, campaignID, action string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_invocations (invocation_id, campaign_id, action, created_at)
		VALUES (?, ?, ?, ?)`,
		invocationID, campaignID, action, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

const selectCampaign = `SELECT id, user_id, name, objective, channel, status, daily_budget_cents, audience, created_at, updated_at FROM campaigns`

// scanner abstracts over sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*Campaign, error) {
	var c Campaign
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Objective, &c.Channel,
		&c.Status, &c.DailyBudgetCents, &c.Audience, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
