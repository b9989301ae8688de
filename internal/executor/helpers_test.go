package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	automationdomain "github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	automationrepository "github.com/smallbiznis/affiliate-automation/internal/automation/repository"
	automationservice "github.com/smallbiznis/affiliate-automation/internal/automation/service"
	"github.com/smallbiznis/affiliate-automation/internal/clock"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	creditdomain "github.com/smallbiznis/affiliate-automation/internal/credit/domain"
	creditrepository "github.com/smallbiznis/affiliate-automation/internal/credit/repository"
	creditservice "github.com/smallbiznis/affiliate-automation/internal/credit/service"
	"github.com/smallbiznis/affiliate-automation/internal/providers/email"
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

type fakeProvider struct {
	mu    sync.Mutex
	err   error
	calls int
	sent  []email.Message
	// onSend runs once, on the next Send, before the outcome is decided.
	onSend func(ctx context.Context)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, msg email.Message) (email.SendResult, error) {
	p.mu.Lock()
	hook := p.onSend
	p.onSend = nil
	p.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return email.SendResult{}, p.err
	}
	p.sent = append(p.sent, msg)
	return email.SendResult{MessageID: fmt.Sprintf("msg-%d", len(p.sent))}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	db          *gorm.DB
	clock       *clock.FakeClock
	provider    *fakeProvider
	credit      creditdomain.Service
	automations automationdomain.Service
	exec        *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	models := append(automationdomain.Models(), &creditdomain.Account{}, &creditdomain.Transaction{})
	db := testutil.NewTestDB(t, models...)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)
	engine := config.StaticEngineConfig(config.DefaultEngineConfig())

	creditSvc := creditservice.New(creditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  creditrepository.Provide(),
		Clock: clk,
	})
	automationSvc := automationservice.New(automationservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   automationrepository.Provide(),
		Clock:  clk,
		Engine: engine,
	})

	f := &fixture{
		db:          db,
		clock:       clk,
		provider:    &fakeProvider{},
		credit:      creditSvc,
		automations: automationSvc,
	}
	f.exec = f.newExecutor(t, engine)

	require.NoError(t, db.Create(&automationdomain.Owner{ID: testOwner, DisplayName: "Rina", Email: "rina@example.com"}).Error)
	f.addSubject(t, testSubject)
	return f
}

func (f *fixture) newExecutor(t *testing.T, engine *config.EngineConfigHolder) *Executor {
	t.Helper()
	return f.newExecutorWithLog(t, engine, zap.NewNop())
}

func (f *fixture) newExecutorWithLog(t *testing.T, engine *config.EngineConfigHolder, log *zap.Logger) *Executor {
	t.Helper()
	exec, err := New(Params{
		DB:       f.db,
		Log:      log,
		Credit:   f.credit,
		Provider: f.provider,
		Engine:   engine,
		Clock:    f.clock,
	})
	require.NoError(t, err)
	return exec
}

func (f *fixture) addSubject(t *testing.T, id snowflake.ID) {
	t.Helper()
	require.NoError(t, f.db.Create(&automationdomain.Subject{
		ID:      id,
		OwnerID: testOwner,
		Name:    "Budi",
		Email:   fmt.Sprintf("lead-%d@example.com", id),
		Phone:   "62811",
	}).Error)
}

func (f *fixture) grant(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.credit.Grant(context.Background(), creditdomain.GrantRequest{OwnerID: testOwner, Amount: amount})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	account, err := f.credit.Balance(context.Background(), testOwner)
	require.NoError(t, err)
	return account.Balance
}

func (f *fixture) createAutomation(t *testing.T, steps ...automationdomain.CreateStepRequest) automationdomain.Automation {
	t.Helper()
	automation, err := f.automations.CreateAutomation(context.Background(), automationdomain.CreateAutomationRequest{
		OwnerID:     testOwner,
		Name:        "Welcome sequence",
		TriggerType: automationdomain.TriggerWelcome,
		Steps:       steps,
	})
	require.NoError(t, err)
	return automation
}

func (f *fixture) trigger(t *testing.T, subjectID snowflake.ID) {
	t.Helper()
	_, err := f.automations.Trigger(context.Background(), automationdomain.TriggerRequest{
		SubjectID:   subjectID,
		OwnerID:     testOwner,
		TriggerType: automationdomain.TriggerWelcome,
	})
	require.NoError(t, err)
}

func (f *fixture) jobs(t *testing.T) []automationdomain.Job {
	t.Helper()
	var jobs []automationdomain.Job
	require.NoError(t, f.db.Order("scheduled_at asc, id asc").Find(&jobs).Error)
	return jobs
}

func (f *fixture) job(t *testing.T, id snowflake.ID) automationdomain.Job {
	t.Helper()
	var job automationdomain.Job
	require.NoError(t, f.db.First(&job, "id = ?", id).Error)
	return job
}

func (f *fixture) log(t *testing.T, automationID, subjectID snowflake.ID) automationdomain.Log {
	t.Helper()
	var entry automationdomain.Log
	require.NoError(t, f.db.Where("automation_id = ? AND subject_id = ?", automationID, subjectID).First(&entry).Error)
	return entry
}

func (f *fixture) transactions(t *testing.T, txnType creditdomain.TransactionType) []creditdomain.Transaction {
	t.Helper()
	var txns []creditdomain.Transaction
	require.NoError(t, f.db.Where("type = ?", txnType).Order("id asc").Find(&txns).Error)
	return txns
}

func (f *fixture) jobFor(t *testing.T, subjectID snowflake.ID) automationdomain.Job {
	t.Helper()
	var job automationdomain.Job
	require.NoError(t, f.db.Where("subject_id = ?", subjectID).Order("id asc").First(&job).Error)
	return job
}

func step(order int, delay time.Duration) automationdomain.CreateStepRequest {
	return automationdomain.CreateStepRequest{
		StepOrder:       order,
		DelaySeconds:    int64(delay / time.Second),
		SubjectTemplate: "Hi {{name}}",
		BodyTemplate:    "<p>Hello {{name}} from {{affiliate_name}} {{unknown}}</p>",
	}
}
