package events

import (
	"context"

	"github.com/segmentio/kafka-go"
	automationdomain "github.com/smallbiznis/affiliate-automation/internal/automation/domain"
	"github.com/smallbiznis/affiliate-automation/internal/config"
	obsmetrics "github.com/smallbiznis/affiliate-automation/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Invoke(RegisterConsumer),
)

type ConsumerParams struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Config      config.Config
	Log         *zap.Logger
	Automations automationdomain.Service
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

// NewReader builds a consumer-group reader over every configured topic.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MaxBytes:    10e6, // 10MB
	})
}

func RegisterConsumer(p ConsumerParams) {
	log := p.Log.Named("events")
	if !p.Config.Kafka.Enabled() {
		log.Info("kafka consumer disabled", zap.String("reason", "KAFKA_BROKERS not set"))
		return
	}

	consumer := NewConsumer(NewReader(p.Config.Kafka), p.Automations, p.Log, p.Metrics)
	var cancel context.CancelFunc
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			log.Info("kafka consumer started",
				zap.Strings("brokers", p.Config.Kafka.Brokers),
				zap.Strings("topics", p.Config.Kafka.Topics),
				zap.String("group_id", p.Config.Kafka.GroupID),
			)
			go func() {
				defer close(done)
				_ = consumer.Run(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return consumer.Close()
		},
	})
}
