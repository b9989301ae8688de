package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/kafka-go"
	automationdomain "github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	obscontext "github.com/smallbiznis/affiliate-automation/internal/observability/context"
	obslogger "github.com/smallbiznis/affiliate-automation/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"github.com/smallbiznis/affiliate-automation/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	TopicUserSignup        = "user_signup"
	TopicMeetingAttended   = "meeting_attended"
	TopicPaymentPending    = "payment_pending"
	TopicMembershipWelcome = "membership_welcome"
)

const (
	outcomeTriggered = "triggered"
	outcomeSkipped   = "skipped"
	outcomeInvalid   = "invalid"
	outcomeFailed    = "failed"
)

var topicTriggers = map[string]automationdomain.TriggerType{
	TopicUserSignup:        automationdomain.TriggerAfterSignup,
	TopicMeetingAttended:   automationdomain.TriggerAfterMeeting,
	TopicPaymentPending:    automationdomain.TriggerPendingPayment,
	TopicMembershipWelcome: automationdomain.TriggerWelcome,
}

var (
	ErrUnknownTopic     = errors.New("unknown_topic")
	ErrMalformedMessage = errors.New("malformed_message")
)

// TriggerForTopic maps an application event topic to its automation trigger.
func TriggerForTopic(topic string) (automationdomain.TriggerType, bool) {
	trigger, ok := topicTriggers[strings.TrimSpace(topic)]
	return trigger, ok
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the payload carried by every trigger topic. IDs are quoted
// strings, the way snowflake IDs marshal.
type Event struct {
	SubjectID snowflake.ID   `json:"subject_id"`
	OwnerID   snowflake.ID   `json:"owner_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Consumer struct {
	reader      Reader
	automations automationdomain.Service
	log         *zap.Logger
	metrics     *obsmetrics.Metrics
	backoff     time.Duration
}

func NewConsumer(reader Reader, automations automationdomain.Service, log *zap.Logger, metrics *obsmetrics.Metrics) *Consumer {
	return &Consumer{
		reader:      reader,
		automations: automations,
		log:         log.Named("events.consumer"),
		metrics:     metrics,
		backoff:     time.Second,
	}
}

// Run fetches messages until ctx is cancelled. Offsets are committed only
// after the trigger was recorded, so a crash replays the message and the
// log uniqueness absorbs the duplicate. A message that keeps failing blocks
// its partition rather than being committed past.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("events.fetch.failed", zap.Error(err))
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		if !c.process(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("events.commit.failed",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// process retries Handle on msg until it succeeds or ctx ends. It reports
// whether msg may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := c.Handle(ctx, msg)
		if err == nil {
			return true
		}
		c.log.Error("events.message.failed",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !c.sleep(ctx) {
			return false
		}
	}
}

// Handle dispatches one message. Malformed or unroutable messages return
// nil so they are committed and skipped.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = correlation.FromHeaders(ctx, headerMap(msg.Headers))
	ctx = obscontext.WithActor(ctx, "system", "events")
	log := obslogger.WithContext(ctx, c.log).With(
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
	)

	req, err := decode(msg)
	if err != nil {
		log.Warn("events.message.skipped", zap.Error(err))
		c.metrics.RecordEventConsumed(ctx, msg.Topic, outcomeInvalid)
		return nil
	}

	result, err := c.automations.Trigger(ctx, req)
	if err != nil {
		if isPermanent(err) {
			log.Warn("events.message.rejected", zap.Error(err))
			c.metrics.RecordEventConsumed(ctx, msg.Topic, outcomeInvalid)
			return nil
		}
		c.metrics.RecordEventConsumed(ctx, msg.Topic, outcomeFailed)
		return fmt.Errorf("trigger %s: %w", req.TriggerType, err)
	}

	outcome := outcomeTriggered
	if result.AutomationsTriggered == 0 {
		outcome = outcomeSkipped
	}
	c.metrics.RecordEventConsumed(ctx, msg.Topic, outcome)
	log.Info("events.message.handled",
		zap.String("trigger_type", string(req.TriggerType)),
		zap.String("subject_id", req.SubjectID.String()),
		zap.Int("automations_triggered", result.AutomationsTriggered),
		zap.Int("jobs_scheduled", result.JobsScheduled),
		zap.Int("skipped_duplicates", result.SkippedDuplicates),
	)
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func decode(msg kafka.Message) (automationdomain.TriggerRequest, error) {
	trigger, ok := TriggerForTopic(msg.Topic)
	if !ok {
		return automationdomain.TriggerRequest{}, fmt.Errorf("%w: %s", ErrUnknownTopic, msg.Topic)
	}
	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return automationdomain.TriggerRequest{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if event.SubjectID == 0 || event.OwnerID == 0 {
		return automationdomain.TriggerRequest{}, fmt.Errorf("%w: subject_id and owner_id are required", ErrMalformedMessage)
	}
	return automationdomain.TriggerRequest{
		SubjectID:   event.SubjectID,
		OwnerID:     event.OwnerID,
		TriggerType: trigger,
		Payload:     event.Payload,
	}, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, automationdomain.ErrInvalidTriggerType) ||
		errors.Is(err, automationdomain.ErrInvalidOwner) ||
		errors.Is(err, automationdomain.ErrInvalidSubject)
}

func headerMap(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[strings.ToLower(h.Key)] = string(h.Value)
	}
	return out
}
