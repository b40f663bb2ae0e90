// Package credits tracks per-user credit balances in an append-only
// ledger. Tool invocations carry an estimated cost; the agent checks
// the balance before dispatch, deducts on success, and refunds on
// failure. Every entry is keyed by an operation ID so deducts and
// refunds replay as no-ops.
package credits

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds.
const (
	KindGrant  = "grant"
	KindDeduct = "deduct"
	KindRefund = "refund"
)

// InsufficientError reports a failed balance check.
type InsufficientError struct {
	UserID   string
	Required int64
	Balance  int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: need %d, have %d", e.UserID, e.Required, e.Balance)
}

// Entry is one ledger row.
type Entry struct {
	OperationID string    `json:"operation_id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	Credits     int64     `json:"credits"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BalanceSummary aggregates a user's ledger.
type BalanceSummary struct {
	UserID   string `json:"user_id"`
	Granted  int64  `json:"granted"`
	Deducted int64  `json:"deducted"`
	Refunded int64  `json:"refunded"`
	Balance  int64  `json:"balance"`
}

// Ledger persists credit entries in SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger creates a credit ledger on db, running migrations on first
// use.
func NewLedger(db *sql.DB, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{db: db, logger: logger}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate credits: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS credit_entries (
			operation_id TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			kind         TEXT NOT NULL CHECK (kind IN ('grant', 'deduct', 'refund')),
			credits      INTEGER NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			PRIMARY KEY (operation_id, kind)
		);
		CREATE INDEX IF NOT EXISTS idx_credits_user ON credit_entries(user_id, created_at);
	`)
	return err
}

// Balance returns the user's current balance: grants plus refunds
// minus deducts.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE kind WHEN 'deduct' THEN -credits ELSE credits END), 0)
		FROM credit_entries WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Check verifies the user can afford an operation of the given cost.
// Free operations always pass. Returns *InsufficientError when the
// balance is too low.
func (l *Ledger) Check(ctx context.Context, userID string, cost int64) error {
	if cost <= 0 {
		return nil
	}
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance < cost {
		return &InsufficientError{UserID: userID, Required: cost, Balance: balance}
	}
	return nil
}

// Grant adds credits to the user's balance and returns the operation
// ID of the grant entry.
func (l *Ledger) Grant(ctx context.Context, userID string, credits int64, reason string) (string, error) {
	if credits <= 0 {
		return "", fmt.Errorf("grant credits must be positive, got %d", credits)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate operation id: %w", err)
	}
	if err := l.insert(ctx, id.String(), userID, KindGrant, credits, reason); err != nil {
		return "", err
	}
	l.logger.Info("credits granted", "user", userID, "credits", credits, "reason", reason)
	return id.String(), nil
}

// EnsureInitialGrant gives the user their starting balance exactly
// once. Later calls are no-ops regardless of the amount, so changing
// the configured grant does not re-credit existing users. Returns
// whether the grant was applied.
func (l *Ledger) EnsureInitialGrant(ctx context.Context, userID string, credits int64) (bool, error) {
	if credits <= 0 {
		return false, nil
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_entries (operation_id, user_id, kind, credits, reason, created_at)
		VALUES (?, ?, ?, ?, 'initial grant', ?)`,
		"initial_"+userID, userID, KindGrant, credits, now())
	if err != nil {
		return false, fmt.Errorf("initial grant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("initial credits granted", "user", userID, "credits", credits)
	}
	return n > 0, nil
}

// Deduct charges the user for a completed operation. The deduction is
// idempotent on operationID: replaying the same operation charges
// nothing. Returns whether this call applied the charge.
//
// Deduct does not re-check the balance. The caller checks before
// dispatch; once the operation has run, its charge always lands so the
// ledger matches what actually happened.
func (l *Ledger) Deduct(ctx context.Context, operationID, userID string, credits int64, reason string) (bool, error) {
	if credits <= 0 {
		return false, nil
	}
	if operationID == "" {
		return false, fmt.Errorf("deduct requires an operation id")
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_entries (operation_id, user_id, kind, credits, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		operationID, userID, KindDeduct, credits, reason, now())
	if err != nil {
		return false, fmt.Errorf("deduct: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Debug("credits deducted",
			"user", userID, "credits", credits, "operation", operationID)
	}
	return n > 0, nil
}

// Refund returns the credits deducted under operationID. Without a
// matching deduct it is a no-op, and replaying a refund never credits
// twice. Returns the refunded amount, zero when nothing was refunded.
func (l *Ledger) Refund(ctx context.Context, operationID, userID string) (int64, error) {
	if operationID == "" {
		return 0, fmt.Errorf("refund requires an operation id")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("refund: %w", err)
	}
	defer tx.Rollback()

	var deducted int64
	err = tx.QueryRowContext(ctx, `
		SELECT credits FROM credit_entries
		WHERE operation_id = ? AND user_id = ? AND kind = 'deduct'`,
		operationID, userID).Scan(&deducted)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("refund lookup: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_entries (operation_id, user_id, kind, credits, reason, created_at)
		VALUES (?, ?, ?, ?, 'refund', ?)`,
		operationID, userID, KindRefund, deducted, now())
	if err != nil {
		return 0, fmt.Errorf("refund: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("refund: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	l.logger.Debug("credits refunded",
		"user", userID, "credits", deducted, "operation", operationID)
	return deducted, nil
}

// Summary aggregates the user's ledger into totals and a balance.
func (l *Ledger) Summary(ctx context.Context, userID string) (*BalanceSummary, error) {
	s := &BalanceSummary{UserID: userID}
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'grant'  THEN credits ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'deduct' THEN credits ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'refund' THEN credits ELSE 0 END), 0)
		FROM credit_entries WHERE user_id = ?`, userID).
		Scan(&s.Granted, &s.Deducted, &s.Refunded)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	s.Balance = s.Granted + s.Refunded - s.Deducted
	return s, nil
}

// History returns the user's most recent ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT operation_id, user_id, kind, credits, reason, created_at
		FROM credit_entries WHERE user_id = ?
		ORDER BY created_at DESC, kind DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.OperationID, &e.UserID, &e.Kind, &e.Credits, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (l *Ledger) insert(ctx context.Context, operationID, userID, kind string, credits int64, reason string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_entries (operation_id, user_id, kind, credits, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		operationID, userID, kind, credits, reason, now())
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	return nil
}
