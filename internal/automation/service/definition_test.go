package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAutomationNumbersSteps(t *testing.T) {
	f := newFixture(t)

	automation, err := f.svc.CreateAutomation(context.Background(), domain.CreateAutomationRequest{
		OwnerID:     testOwner,
		Name:        "  Payment reminder ",
		TriggerType: domain.TriggerPendingPayment,
		Steps: []domain.CreateStepRequest{
			{DelaySeconds: 0, SubjectTemplate: "Pay now"},
			{DelaySeconds: 3600, SubjectTemplate: "Still waiting", CreditAmount: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Payment reminder", automation.Name)
	assert.True(t, automation.Enabled)

	stored, err := f.svc.GetAutomation(context.Background(), automation.ID)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 2)
	assert.Equal(t, 1, stored.Steps[0].StepOrder)
	assert.Equal(t, int64(1), stored.Steps[0].CreditAmount)
	assert.Equal(t, 2, stored.Steps[1].StepOrder)
	assert.Equal(t, int64(2), stored.Steps[1].CreditAmount)
}

func TestCreateAutomationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.CreateAutomationRequest
		want error
	}{
		{
			name: "missing owner",
			req:  domain.CreateAutomationRequest{Name: "x", TriggerType: domain.TriggerWelcome},
			want: domain.ErrInvalidOwner,
		},
		{
			name: "missing name",
			req:  domain.CreateAutomationRequest{OwnerID: testOwner, TriggerType: domain.TriggerWelcome},
			want: domain.ErrInvalidName,
		},
		{
			name: "unknown trigger",
			req:  domain.CreateAutomationRequest{OwnerID: testOwner, Name: "x", TriggerType: "NOPE"},
			want: domain.ErrInvalidTriggerType,
		},
		{
			name: "duplicate order",
			req: domain.CreateAutomationRequest{OwnerID: testOwner, Name: "x", TriggerType: domain.TriggerWelcome,
				Steps: []domain.CreateStepRequest{{StepOrder: 1}, {StepOrder: 1}}},
			want: domain.ErrDuplicateStepOrder,
		},
		{
			name: "negative delay",
			req: domain.CreateAutomationRequest{OwnerID: testOwner, Name: "x", TriggerType: domain.TriggerWelcome,
				Steps: []domain.CreateStepRequest{{StepOrder: 1, DelaySeconds: -1}}},
			want: domain.ErrInvalidDelay,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateAutomation(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSetEnabledUnknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SetEnabled(context.Background(), snowflake.ID(12345), true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
