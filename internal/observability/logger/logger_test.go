package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/affiliate-automation/internal/observability/context"
	"github.com/smallbiznis/affiliate-automation/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithOwnerID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = correlation.ContextWithCorrelationID(ctx, "cid-1")

	WithContext(ctx, base).Info("executor.job.completed")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "cid-1", fields["correlation_id"])
		assert.Equal(t, "42", fields["owner_id"])
		assert.Equal(t, "system", fields["actor_type"])
		assert.Equal(t, "scheduler", fields["actor_id"])
		assert.Equal(t, "", fields["trace_id"])
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "UPDATE", operationFromSQL("UPDATE automation_jobs SET status = 'processing'"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH due AS (SELECT 1) SELECT * FROM due"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestWithJobOmitsEmptyIDs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	WithJob(zap.New(core), JobFields{JobID: "7", AutomationID: " 9 "}).Info("executor.job.completed")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "7", fields["job_id"])
	assert.Equal(t, "9", fields["automation_id"])
	assert.NotContains(t, fields, "step_id")
	assert.NotContains(t, fields, "subject_id")
	assert.Nil(t, WithJob(nil, JobFields{}))
}
