package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/pkg/db/pagination"
	"gorm.io/gorm"
)

// Reference identifies what a debit pays for. A reference can be debited once.
type Reference struct {
	Type string
	ID   string
}

type DebitRequest struct {
	OwnerID     snowflake.ID
	Amount      int64
	Description string
	Reference   Reference
}

type GrantRequest struct {
	OwnerID     snowflake.ID
	Amount      int64
	Description string
}

type ListTransactionsRequest struct {
	OwnerID   snowflake.ID
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type Service interface {
	Debit(ctx context.Context, req DebitRequest) (Transaction, error)
	// DebitTx runs inside the caller's transaction so the debit commits with
	// whatever else the caller writes.
	DebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (Transaction, error)
	Grant(ctx context.Context, req GrantRequest) (Transaction, error)
	Balance(ctx context.Context, ownerID snowflake.ID) (Account, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

type Repository interface {
	FindAccount(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*Account, error)
	EnsureAccount(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) error
	DecrementBalance(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, amount int64) (bool, error)
	IncrementBalance(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, amount int64) error
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	FindTransactionByReference(ctx context.Context, db *gorm.DB, ref Reference) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, page pagination.Pagination) ([]*Transaction, error)
}

var (
	ErrInvalidOwner       = errors.New("invalid_owner")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidReference   = errors.New("invalid_reference")
	ErrInvalidPageToken   = errors.New("invalid_page_token")
	ErrAccountNotFound    = errors.New("credit_account_not_found")
	ErrDuplicateDebit     = errors.New("duplicate_debit")
	ErrInsufficientCredit = errors.New("insufficient credit")
)
