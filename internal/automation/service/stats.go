package service

import (
	"context"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
)

func (s *Service) GetStats(ctx context.Context, ownerID snowflake.ID) (domain.Stats, error) {
	if ownerID == 0 {
		return domain.Stats{}, domain.ErrInvalidOwner
	}

	total, enabled, err := s.repo.CountAutomations(ctx, s.db, ownerID)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count automations: %w", err)
	}
	counts, err := s.repo.CountJobsByStatus(ctx, s.db, ownerID)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count jobs: %w", err)
	}

	stats := domain.Stats{
		TotalAutomations:  total,
		ActiveAutomations: enabled,
		CompletedJobs:     counts[domain.JobStatusCompleted],
		FailedJobs:        counts[domain.JobStatusFailed],
		PendingJobs:       counts[domain.JobStatusPending],
	}
	for _, n := range counts {
		stats.TotalJobs += n
	}
	stats.SuccessRate = successRate(stats.CompletedJobs, stats.TotalJobs)
	return stats, nil
}

// successRate is completed/total as a percentage rounded to two decimals.
func successRate(completed, total int64) float64 {
	if total == 0 {
		return 0
	}
	rate := float64(completed) / float64(total) * 100
	return math.Round(rate*100) / 100
}
