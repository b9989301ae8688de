package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	"github.com/smallbiznis/affiliate-automation/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT owner_id, balance, total_used, total_granted, created_at, updated_at
		 FROM credit_accounts WHERE owner_id = ?`,
		ownerID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.OwnerID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_accounts (owner_id, balance, total_used, total_granted, created_at, updated_at)
		 VALUES (?, 0, 0, 0, ?, ?)
		 ON CONFLICT (owner_id) DO NOTHING`,
		ownerID,
		now,
		now,
	).Error
}

// DecrementBalance reports false when the account is missing or would go negative.
func (r *repo) DecrementBalance(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, amount int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance - ?, total_used = total_used + ?, updated_at = ?
		 WHERE owner_id = ? AND balance >= ?`,
		amount,
		amount,
		time.Now().UTC(),
		ownerID,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) IncrementBalance(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, amount int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET balance = balance + ?, total_granted = total_granted + ?, updated_at = ?
		 WHERE owner_id = ?`,
		amount,
		amount,
		time.Now().UTC(),
		ownerID,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, owner_id, type, amount, balance_before, balance_after,
			description, reference_type, reference_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.OwnerID,
		string(txn.Type),
		txn.Amount,
		txn.BalanceBefore,
		txn.BalanceAfter,
		txn.Description,
		txn.ReferenceType,
		txn.ReferenceID,
		txn.CreatedAt,
	).Error
}

func (r *repo) FindTransactionByReference(ctx context.Context, db *gorm.DB, ref domain.Reference) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_id, type, amount, balance_before, balance_after,
			description, reference_type, reference_id, created_at
		 FROM credit_transactions WHERE reference_type = ? AND reference_id = ?`,
		ref.Type,
		ref.ID,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, page pagination.Pagination) ([]*domain.Transaction, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("owner_id = ?", ownerID)
	stmt, err := pagination.Apply(stmt, page)
	if err != nil {
		return nil, domain.ErrInvalidPageToken
	}

	var items []*domain.Transaction
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
