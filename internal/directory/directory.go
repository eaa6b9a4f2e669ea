// Package directory は PostgreSQL 上の利用者情報（プラン、残高、利用実績）と
// モーションプリセットを扱います。
package directory

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourusername/motion-forge/internal/eligibility"
	"github.com/yourusername/motion-forge/internal/video"
)

//go:embed schema.sql
var Schema string

const (
	selectTier = `SELECT subscription_tier FROM users WHERE id = $1`

	selectBalance = `SELECT balance FROM users WHERE id = $1`

	selectPresetActive = `SELECT active FROM motion_presets WHERE id = $1`

	incrementVideoCount = `UPDATE users SET video_count = video_count + 1, updated_at = NOW() WHERE id = $1`

	insertLedger = `
INSERT INTO balance_ledger (job_id, user_id, amount)
VALUES ($1, $2, $3)
ON CONFLICT (job_id) DO NOTHING`

	debitBalance = `
UPDATE users
SET balance = balance - $2, updated_at = NOW()
WHERE id = $1 AND balance >= $2`

	deleteLedger = `
DELETE FROM balance_ledger
WHERE job_id = $1 AND user_id = $2
RETURNING amount`

	creditBalance = `UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE id = $1`
)

// DB は Directory が使う接続です。*pgxpool.Pool が実装します。
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Directory は eligibility.Directory と pipeline.Accounts を実装します。
type Directory struct {
	db DB
}

// New は Directory を作成します。
func New(db DB) *Directory {
	return &Directory{db: db}
}

// NewPool は接続プールを作成します。
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// Migrate はスキーマを作成します。何度実行しても結果は変わりません。
func Migrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// GetSubscriptionTier は利用者のプランを返します。未登録の利用者は free です。
func (d *Directory) GetSubscriptionTier(ctx context.Context, userID string) (eligibility.Tier, error) {
	var tier string
	err := d.db.QueryRow(ctx, selectTier, userID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return eligibility.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return eligibility.Tier(tier), nil
}

// GetBalance は利用可能な残高を返します。未登録の利用者は 0 です。
func (d *Directory) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := d.db.QueryRow(ctx, selectBalance, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// MotionPresetActive はプリセットが存在し有効かを返します。
func (d *Directory) MotionPresetActive(ctx context.Context, presetID string) (bool, error) {
	if presetID == "" {
		return false, nil
	}
	var active bool
	err := d.db.QueryRow(ctx, selectPresetActive, presetID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return active, err
}

// Debit はジョブ1件分の料金を残高から引きます。同じ jobID で2回呼んでも1回しか引きません。
// 残高が足りない場合は video.ErrInsufficientBalance を返します。
func (d *Directory) Debit(ctx context.Context, userID string, amount int64, jobID string) error {
	if amount <= 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, d.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertLedger, jobID, userID, amount)
		if err != nil {
			return fmt.Errorf("insert ledger: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		tag, err = tx.Exec(ctx, debitBalance, userID, amount)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return video.ErrInsufficientBalance
		}
		return nil
	})
}

// Refund は Debit を取り消します。課金していないジョブでは何もしません。
func (d *Directory) Refund(ctx context.Context, userID, jobID string) error {
	return pgx.BeginFunc(ctx, d.db, func(tx pgx.Tx) error {
		var amount int64
		err := tx.QueryRow(ctx, deleteLedger, jobID, userID).Scan(&amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete ledger: %w", err)
		}
		if _, err := tx.Exec(ctx, creditBalance, userID, amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		return nil
	})
}

// IncrementVideoCount は生涯の生成本数を1増やします。
func (d *Directory) IncrementVideoCount(ctx context.Context, userID string) error {
	_, err := d.db.Exec(ctx, incrementVideoCount, userID)
	return err
}
