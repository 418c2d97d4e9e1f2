// Package billing implements the credit gate that fronts task
// processing. Charges are debited in full before a pipeline starts and
// are never refunded, including for failed or cancelled runs.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownOwner        = errors.New("unknown owner")
)

// Entry reasons recorded in credit_entries.
const (
	ReasonToolCharge = "TOOL_CHARGE"
	ReasonTopUp      = "TOP_UP"
	ReasonProvision  = "PROVISION"
)

type Entry struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger mediates all credit movements. It shares the orchestrator's
// sqlite database so debits commit in the same store as task rows.
type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// EnsureOwner provisions a ledger row for an owner seen for the first
// time, seeding it with initial credits. Existing rows are untouched.
func (l *Ledger) EnsureOwner(ctx context.Context, ownerID string, initial int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin provision tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (owner_id, balance, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(owner_id) DO NOTHING;
	`, ownerID, initial)
	if err != nil {
		return fmt.Errorf("provision owner: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 && initial > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_entries (owner_id, delta, reason, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, ownerID, initial, ReasonProvision); err != nil {
			return fmt.Errorf("record provision entry: %w", err)
		}
	}
	return tx.Commit()
}

// Balance returns the owner's current balance, or ErrUnknownOwner.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM credit_ledger WHERE owner_id = ?;`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownOwner
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Debit atomically charges the owner for a task. The balance check and
// decrement happen in a single conditional UPDATE so two concurrent
// charges can never overdraw the account. Returns
// ErrInsufficientCredits when the balance does not cover the amount.
func (l *Ledger) Debit(ctx context.Context, ownerID, taskID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative debit amount %d", amount)
	}
	if amount == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_ledger
		SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = ? AND balance >= ?;
	`, amount, ownerID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM credit_ledger WHERE owner_id = ?;`, ownerID).Scan(&exists); err != nil {
			return fmt.Errorf("check owner: %w", err)
		}
		if exists == 0 {
			return ErrUnknownOwner
		}
		return ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (owner_id, task_id, delta, reason, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, ownerID, taskID, -amount, ReasonToolCharge); err != nil {
		return fmt.Errorf("record charge entry: %w", err)
	}
	return tx.Commit()
}

// DebitOnce charges the owner for a task exactly once. A task that
// already carries a TOOL_CHARGE entry is not charged again, which
// makes processing triggers safe to retry after a declined payment and
// under concurrent duplicates.
func (l *Ledger) DebitOnce(ctx context.Context, ownerID, taskID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative debit amount %d", amount)
	}
	if amount == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var charged int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM credit_entries WHERE task_id = ? AND reason = ?;
	`, taskID, ReasonToolCharge).Scan(&charged); err != nil {
		return fmt.Errorf("check prior charge: %w", err)
	}
	if charged > 0 {
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_ledger
		SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = ? AND balance >= ?;
	`, amount, ownerID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM credit_ledger WHERE owner_id = ?;`, ownerID).Scan(&exists); err != nil {
			return fmt.Errorf("check owner: %w", err)
		}
		if exists == 0 {
			return ErrUnknownOwner
		}
		return ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (owner_id, task_id, delta, reason, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, ownerID, taskID, -amount, ReasonToolCharge); err != nil {
		return fmt.Errorf("record charge entry: %w", err)
	}
	return tx.Commit()
}

// Credit adds credits to the owner's balance.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if reason == "" {
		reason = ReasonTopUp
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_ledger
		SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = ?;
	`, amount, ownerID)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUnknownOwner
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (owner_id, delta, reason, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, ownerID, amount, reason); err != nil {
		return fmt.Errorf("record credit entry: %w", err)
	}
	return tx.Commit()
}

// History returns the owner's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, ownerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, owner_id, COALESCE(task_id, ''), delta, reason, created_at
		FROM credit_entries
		WHERE owner_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query credit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.TaskID, &e.Delta, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
