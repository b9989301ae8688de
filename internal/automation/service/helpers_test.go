package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/smallbiznis/affiliate-automation/internal/automation/repository"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"github.com/smallbiznis/affiliate-automation/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

const (
	testOwner   = snowflake.ID(10)
	testSubject = snowflake.ID(20)
)

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, domain.Models()...)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)

	svc := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repository.Provide(),
		Clock:  clk,
		Engine: config.StaticEngineConfig(config.DefaultEngineConfig()),
	})
	return &fixture{svc: svc, db: db, clock: clk}
}

func (f *fixture) createAutomation(t *testing.T, owner snowflake.ID, trigger domain.TriggerType, steps ...domain.CreateStepRequest) domain.Automation {
	t.Helper()
	automation, err := f.svc.CreateAutomation(context.Background(), domain.CreateAutomationRequest{
		OwnerID:     owner,
		Name:        "Welcome sequence",
		TriggerType: trigger,
		Steps:       steps,
	})
	require.NoError(t, err)
	return automation
}

func (f *fixture) jobs(t *testing.T) []domain.Job {
	t.Helper()
	var jobs []domain.Job
	require.NoError(t, f.db.Order("scheduled_at asc, id asc").Find(&jobs).Error)
	return jobs
}

func (f *fixture) log(t *testing.T, automationID, subjectID snowflake.ID) domain.Log {
	t.Helper()
	var entry domain.Log
	require.NoError(t, f.db.Where("automation_id = ? AND subject_id = ?", automationID, subjectID).First(&entry).Error)
	return entry
}

func step(order int, delay time.Duration) domain.CreateStepRequest {
	return domain.CreateStepRequest{
		StepOrder:       order,
		DelaySeconds:    int64(delay / time.Second),
		SubjectTemplate: "Hi {{name}}",
		BodyTemplate:    "<p>Hello {{name}} from {{affiliate_name}}</p>",
	}
}
