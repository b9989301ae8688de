package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	"github.com/smallbiznis/affiliate-automation/pkg/db/pagination"
)

type grantCreditsRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type creditsResponse struct {
	Account      creditdomain.Account                  `json:"account"`
	Transactions creditdomain.ListTransactionsResponse `json:"transactions"`
}

func (s *Server) GetCredits(c *gin.Context) {
	ownerID, ok := pathID(c, ownerIDField)
	if !ok {
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	account, err := s.creditSvc.Balance(ctx, ownerID)
	if err != nil {
		// an owner that never received credit reads as an empty account
		if !errors.Is(err, creditdomain.ErrAccountNotFound) {
			AbortWithError(c, err)
			return
		}
		account = creditdomain.Account{OwnerID: ownerID}
	}

	txns, err := s.creditSvc.ListTransactions(ctx, creditdomain.ListTransactionsRequest{
		OwnerID:   ownerID,
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": creditsResponse{Account: account, Transactions: txns}})
}

func (s *Server) GrantCredits(c *gin.Context) {
	ownerID, ok := pathID(c, ownerIDField)
	if !ok {
		return
	}

	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.Grant(c.Request.Context(), creditdomain.GrantRequest{
		OwnerID:     ownerID,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}
