package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	"github.com/smallbiznis/affiliate-automation/internal/credit/repository"
	"github.com/smallbiznis/affiliate-automation/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ownerID = snowflake.ID(1001)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &domain.Account{}, &domain.Transaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)),
	})
	return svc, db
}

func jobRef(id int) domain.Reference {
	return domain.Reference{Type: domain.ReferenceTypeAutomationJob, ID: fmt.Sprintf("%d", id)}
}

func TestDebitDecrementsBalanceAndRecordsTransaction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 5, Description: "top up"})
	require.NoError(t, err)

	txn, err := svc.Debit(ctx, domain.DebitRequest{
		OwnerID:     ownerID,
		Amount:      2,
		Description: "Email: Welcome",
		Reference:   jobRef(1),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeDeduct, txn.Type)
	assert.Equal(t, int64(5), txn.BalanceBefore)
	assert.Equal(t, int64(3), txn.BalanceAfter)

	account, err := svc.Balance(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), account.Balance)
	assert.Equal(t, int64(2), account.TotalUsed)
	assert.Equal(t, int64(5), account.TotalGranted)
}

func TestDebitInsufficientLeavesBalanceUntouched(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 1})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 2, Reference: jobRef(1)})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	account, err := svc.Balance(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.Balance)

	var deducts int64
	require.NoError(t, db.Model(&domain.Transaction{}).Where("type = ?", "deduct").Count(&deducts).Error)
	assert.Zero(t, deducts)
}

func TestDebitMissingAccount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Debit(context.Background(), domain.DebitRequest{OwnerID: ownerID, Amount: 1, Reference: jobRef(1)})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestDebitSameReferenceOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 10})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 1, Reference: jobRef(7)})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 1, Reference: jobRef(7)})
	assert.ErrorIs(t, err, domain.ErrDuplicateDebit)

	account, err := svc.Balance(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), account.Balance)
}

func TestDebitValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Debit(ctx, domain.DebitRequest{Amount: 1, Reference: jobRef(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
	_, err = svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 0, Reference: jobRef(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 3})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 1, Reference: jobRef(i)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientCredit) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	account, err := svc.Balance(ctx, ownerID)
	require.NoError(t, err)
	assert.Zero(t, account.Balance)
}

func TestBalanceReconcilesWithTransactions(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 4})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 6})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 2, Reference: jobRef(i)})
		require.NoError(t, err)
	}

	var grants, deducts int64
	require.NoError(t, db.Raw(`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE owner_id = ? AND type = 'grant'`, ownerID).Scan(&grants).Error)
	require.NoError(t, db.Raw(`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE owner_id = ? AND type = 'deduct'`, ownerID).Scan(&deducts).Error)

	account, err := svc.Balance(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, grants-deducts, account.Balance)
	assert.Equal(t, int64(4), account.Balance)
}

func TestDebitTxRollsBackWithCaller(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 2})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.DebitTx(ctx, tx, domain.DebitRequest{OwnerID: ownerID, Amount: 1, Reference: jobRef(1)}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	account, err := svc.Balance(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), account.Balance)
}

func TestListTransactionsPages(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grant(ctx, domain.GrantRequest{OwnerID: ownerID, Amount: 10})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = svc.Debit(ctx, domain.DebitRequest{OwnerID: ownerID, Amount: 1, Reference: jobRef(i)})
		require.NoError(t, err)
	}

	first, err := svc.ListTransactions(ctx, domain.ListTransactionsRequest{OwnerID: ownerID, PageSize: 3})
	require.NoError(t, err)
	assert.Len(t, first.Transactions, 3)
	assert.True(t, first.HasMore)

	second, err := svc.ListTransactions(ctx, domain.ListTransactionsRequest{OwnerID: ownerID, PageSize: 3, PageToken: first.NextPageToken})
	require.NoError(t, err)
	assert.Len(t, second.Transactions, 2)
	assert.False(t, second.HasMore)
	assert.Equal(t, domain.TransactionTypeGrant, second.Transactions[1].Type)

	_, err = svc.ListTransactions(ctx, domain.ListTransactionsRequest{OwnerID: ownerID, PageToken: "!!"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
