package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/kafka-go"
	automationdomain "github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockAutomations struct {
	mock.Mock
}

func (m *mockAutomations) Trigger(ctx context.Context, req automationdomain.TriggerRequest) (automationdomain.TriggerResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(automationdomain.TriggerResult), args.Error(1)
}

func (m *mockAutomations) CancelAutomation(context.Context, automationdomain.CancelRequest) (automationdomain.CancelResult, error) {
	panic("not used")
}

func (m *mockAutomations) GetStats(context.Context, snowflake.ID) (automationdomain.Stats, error) {
	panic("not used")
}

func (m *mockAutomations) CreateAutomation(context.Context, automationdomain.CreateAutomationRequest) (automationdomain.Automation, error) {
	panic("not used")
}

func (m *mockAutomations) GetAutomation(context.Context, snowflake.ID) (automationdomain.Automation, error) {
	panic("not used")
}

func (m *mockAutomations) SetEnabled(context.Context, snowflake.ID, bool) (automationdomain.Automation, error) {
	panic("not used")
}

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func message(topic string, offset int64, value string) kafka.Message {
	return kafka.Message{Topic: topic, Offset: offset, Value: []byte(value)}
}

func runUntilDrained(t *testing.T, consumer *Consumer, reader *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not drained")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestTriggerForTopic(t *testing.T) {
	cases := map[string]automationdomain.TriggerType{
		TopicUserSignup:        automationdomain.TriggerAfterSignup,
		TopicMeetingAttended:   automationdomain.TriggerAfterMeeting,
		TopicPaymentPending:    automationdomain.TriggerPendingPayment,
		TopicMembershipWelcome: automationdomain.TriggerWelcome,
	}
	for topic, want := range cases {
		got, ok := TriggerForTopic(topic)
		assert.True(t, ok, topic)
		assert.Equal(t, want, got)
	}
	_, ok := TriggerForTopic("order_paid")
	assert.False(t, ok)
}

func TestHandleDispatchesTrigger(t *testing.T) {
	automations := &mockAutomations{}
	automations.On("Trigger", mock.Anything, automationdomain.TriggerRequest{
		SubjectID:   20,
		OwnerID:     10,
		TriggerType: automationdomain.TriggerWelcome,
		Payload:     map[string]any{"plan": "gold"},
	}).Return(automationdomain.TriggerResult{Success: true, AutomationsTriggered: 1, JobsScheduled: 2}, nil).Once()

	consumer := NewConsumer(newFakeReader(), automations, zap.NewNop(), nil)
	msg := message(TopicMembershipWelcome, 1, `{"subject_id":"20","owner_id":"10","payload":{"plan":"gold"}}`)
	msg.Headers = []kafka.Header{{Key: "correlation_id", Value: []byte("corr-1")}}

	require.NoError(t, consumer.Handle(context.Background(), msg))
	automations.AssertExpectations(t)
}

func TestHandleSkipsPoisonMessages(t *testing.T) {
	automations := &mockAutomations{}
	consumer := NewConsumer(newFakeReader(), automations, zap.NewNop(), nil)

	require.NoError(t, consumer.Handle(context.Background(), message(TopicUserSignup, 1, `not json`)))
	require.NoError(t, consumer.Handle(context.Background(), message(TopicUserSignup, 2, `{"subject_id":"20"}`)))
	require.NoError(t, consumer.Handle(context.Background(), message("order_paid", 3, `{"subject_id":"20","owner_id":"10"}`)))
	automations.AssertNotCalled(t, "Trigger", mock.Anything, mock.Anything)
}

func TestHandleReturnsTransientErrors(t *testing.T) {
	automations := &mockAutomations{}
	automations.On("Trigger", mock.Anything, mock.Anything).
		Return(automationdomain.TriggerResult{}, errors.New("connection reset")).Once()

	consumer := NewConsumer(newFakeReader(), automations, zap.NewNop(), nil)
	err := consumer.Handle(context.Background(), message(TopicUserSignup, 1, `{"subject_id":"20","owner_id":"10"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunCommitsHandledAndPoisonMessages(t *testing.T) {
	automations := &mockAutomations{}
	automations.On("Trigger", mock.Anything, mock.Anything).
		Return(automationdomain.TriggerResult{Success: true}, nil)

	reader := newFakeReader(
		message(TopicUserSignup, 1, `{"subject_id":"20","owner_id":"10"}`),
		message(TopicUserSignup, 2, `garbage`),
		message(TopicPaymentPending, 3, `{"subject_id":"21","owner_id":"10"}`),
	)
	consumer := NewConsumer(reader, automations, zap.NewNop(), nil)

	runUntilDrained(t, consumer, reader)
	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	automations.AssertNumberOfCalls(t, "Trigger", 2)
}

func TestRunRetriesFailedTriggerBeforeCommitting(t *testing.T) {
	automations := &mockAutomations{}
	automations.On("Trigger", mock.Anything, mock.Anything).
		Return(automationdomain.TriggerResult{}, errors.New("db down")).Twice()
	automations.On("Trigger", mock.Anything, mock.Anything).
		Return(automationdomain.TriggerResult{Success: true}, nil).Once()

	reader := newFakeReader(message(TopicUserSignup, 7, `{"subject_id":"20","owner_id":"10"}`))
	consumer := NewConsumer(reader, automations, zap.NewNop(), nil)
	consumer.backoff = time.Millisecond

	runUntilDrained(t, consumer, reader)
	assert.Equal(t, []int64{7}, reader.commits())
	automations.AssertNumberOfCalls(t, "Trigger", 3)
}

func TestRunNeverCommitsPastFailedMessage(t *testing.T) {
	first := mock.MatchedBy(func(req automationdomain.TriggerRequest) bool { return req.SubjectID == 20 })
	second := mock.MatchedBy(func(req automationdomain.TriggerRequest) bool { return req.SubjectID == 21 })

	automations := &mockAutomations{}
	automations.On("Trigger", mock.Anything, first).
		Return(automationdomain.TriggerResult{}, errors.New("db down")).Once()
	automations.On("Trigger", mock.Anything, first).
		Return(automationdomain.TriggerResult{Success: true}, nil).Once()
	automations.On("Trigger", mock.Anything, second).
		Return(automationdomain.TriggerResult{Success: true}, nil).Once()

	reader := newFakeReader(
		message(TopicUserSignup, 7, `{"subject_id":"20","owner_id":"10"}`),
		message(TopicUserSignup, 8, `{"subject_id":"21","owner_id":"10"}`),
	)
	consumer := NewConsumer(reader, automations, zap.NewNop(), nil)
	consumer.backoff = time.Millisecond

	runUntilDrained(t, consumer, reader)
	assert.Equal(t, []int64{7, 8}, reader.commits())
	automations.AssertExpectations(t)

	var subjects []snowflake.ID
	for _, call := range automations.Calls {
		subjects = append(subjects, call.Arguments.Get(1).(automationdomain.TriggerRequest).SubjectID)
	}
	assert.Equal(t, []snowflake.ID{20, 20, 21}, subjects)
}

func TestRunStopsRetryingWhenContextEnds(t *testing.T) {
	var attempts atomic.Int32
	automations := &mockAutomations{}
	automations.On("Trigger", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { attempts.Add(1) }).
		Return(automationdomain.TriggerResult{}, errors.New("db down"))

	reader := newFakeReader(
		message(TopicUserSignup, 7, `{"subject_id":"20","owner_id":"10"}`),
		message(TopicUserSignup, 8, `{"subject_id":"21","owner_id":"10"}`),
	)
	consumer := NewConsumer(reader, automations, zap.NewNop(), nil)
	consumer.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	assert.Eventually(t, func() bool { return attempts.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, reader.commits())

	// offset 8 is never fetched while offset 7 is unhandled
	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.Len(t, reader.queue, 1)
	assert.Equal(t, int64(8), reader.queue[0].Offset)
}
