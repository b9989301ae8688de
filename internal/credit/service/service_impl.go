package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"github.com/smallbiznis/affiliate-automation/pkg/db"
	"github.com/smallbiznis/affiliate-automation/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (domain.Transaction, error) {
	var txn domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.DebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req domain.DebitRequest) (domain.Transaction, error) {
	if err := validateDebit(req); err != nil {
		return domain.Transaction{}, err
	}

	txn, err := s.debit(ctx, tx, req)
	result := "success"
	switch {
	case errors.Is(err, domain.ErrInsufficientCredit):
		result = "insufficient"
	case errors.Is(err, domain.ErrDuplicateDebit):
		result = "duplicate"
	case err != nil:
		result = "error"
	}
	obsmetrics.Scheduler().IncCreditDebit(result)
	if err != nil {
		return domain.Transaction{}, err
	}

	s.obsMetrics.RecordCreditsDebited(ctx, txn.Amount)
	return txn, nil
}

func (s *Service) debit(ctx context.Context, tx *gorm.DB, req domain.DebitRequest) (domain.Transaction, error) {
	existing, err := s.repo.FindTransactionByReference(ctx, tx, req.Reference)
	if err != nil {
		return domain.Transaction{}, err
	}
	if existing != nil {
		return domain.Transaction{}, domain.ErrDuplicateDebit
	}

	ok, err := s.repo.DecrementBalance(ctx, tx, req.OwnerID, req.Amount)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok {
		account, err := s.repo.FindAccount(ctx, tx, req.OwnerID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if account == nil {
			return domain.Transaction{}, domain.ErrAccountNotFound
		}
		return domain.Transaction{}, domain.ErrInsufficientCredit
	}

	account, err := s.repo.FindAccount(ctx, tx, req.OwnerID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if account == nil {
		return domain.Transaction{}, domain.ErrAccountNotFound
	}

	txn := domain.Transaction{
		ID:            s.genID.Generate(),
		OwnerID:       req.OwnerID,
		Type:          domain.TransactionTypeDeduct,
		Amount:        req.Amount,
		BalanceBefore: account.Balance + req.Amount,
		BalanceAfter:  account.Balance,
		Description:   strings.TrimSpace(req.Description),
		ReferenceType: req.Reference.Type,
		ReferenceID:   req.Reference.ID,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.repo.InsertTransaction(ctx, tx, &txn); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Transaction{}, domain.ErrDuplicateDebit
		}
		return domain.Transaction{}, err
	}
	return txn, nil
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (domain.Transaction, error) {
	if req.OwnerID == 0 {
		return domain.Transaction{}, domain.ErrInvalidOwner
	}
	if req.Amount <= 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}

	var txn domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.EnsureAccount(ctx, tx, req.OwnerID); err != nil {
			return err
		}
		if err := s.repo.IncrementBalance(ctx, tx, req.OwnerID, req.Amount); err != nil {
			return err
		}
		account, err := s.repo.FindAccount(ctx, tx, req.OwnerID)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrAccountNotFound
		}

		id := s.genID.Generate()
		txn = domain.Transaction{
			ID:            id,
			OwnerID:       req.OwnerID,
			Type:          domain.TransactionTypeGrant,
			Amount:        req.Amount,
			BalanceBefore: account.Balance - req.Amount,
			BalanceAfter:  account.Balance,
			Description:   strings.TrimSpace(req.Description),
			ReferenceType: domain.ReferenceTypeGrant,
			ReferenceID:   id.String(),
			CreatedAt:     s.clock.Now(),
		}
		return s.repo.InsertTransaction(ctx, tx, &txn)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.log.Info("credit.granted",
		zap.String("owner_id", req.OwnerID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance_after", txn.BalanceAfter),
	)
	return txn, nil
}

func (s *Service) Balance(ctx context.Context, ownerID snowflake.ID) (domain.Account, error) {
	if ownerID == 0 {
		return domain.Account{}, domain.ErrInvalidOwner
	}
	account, err := s.repo.FindAccount(ctx, s.db, ownerID)
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return *account, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	if req.OwnerID == 0 {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidOwner
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	items, err := s.repo.ListTransactions(ctx, s.db, req.OwnerID, page)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, page.Size(), func(t *domain.Transaction) string {
		return t.ID.String()
	})

	txns := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		txns = append(txns, *item)
	}
	return domain.ListTransactionsResponse{PageInfo: pageInfo, Transactions: txns}, nil
}

func validateDebit(req domain.DebitRequest) error {
	if req.OwnerID == 0 {
		return domain.ErrInvalidOwner
	}
	if req.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Reference.Type) == "" || strings.TrimSpace(req.Reference.ID) == "" {
		return domain.ErrInvalidReference
	}
	return nil
}
