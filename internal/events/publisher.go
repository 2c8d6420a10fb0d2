// Package events mirrors committed submission lifecycle events to Kafka or SQS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed by submission id so a
// record's events stay ordered within a partition.
type KafkaPublisher struct {
	w   messageWriter
	log *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{w: w, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev services.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(strconv.FormatUint(uint64(ev.SubmissionID), 10)),
		Value:   body,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", ev.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

type queueSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends each event as one queue message.
type SQSPublisher struct {
	client   queueSender
	queueURL string
}

func NewSQSPublisher(ctx context.Context, queueURL, region string) (*SQSPublisher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSPublisher{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

func (p *SQSPublisher) Publish(ctx context.Context, ev services.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", ev.Type, err)
	}
	return nil
}

func (p *SQSPublisher) Close() error { return nil }

// Fanout publishes to every target and joins their errors.
type Fanout []services.EventPublisher

func (f Fanout) Publish(ctx context.Context, ev services.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options selects the configured publishers.
type Options struct {
	KafkaBrokers []string
	KafkaTopic   string
	SQSQueueURL  string
	AWSRegion    string
}

// New builds a publisher from opts. With nothing configured it returns
// services.NoopPublisher. The returned closer releases every connection.
func New(ctx context.Context, opts Options, log *zap.Logger) (services.EventPublisher, func() error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		out     Fanout
		closers []func() error
	)
	if len(opts.KafkaBrokers) > 0 && opts.KafkaTopic != "" {
		kp := NewKafkaPublisher(opts.KafkaBrokers, opts.KafkaTopic, log.Named("kafka"))
		out = append(out, kp)
		closers = append(closers, kp.Close)
		log.Info("publishing events to kafka", zap.Strings("brokers", opts.KafkaBrokers), zap.String("topic", opts.KafkaTopic))
	}
	if opts.SQSQueueURL != "" {
		sp, err := NewSQSPublisher(ctx, opts.SQSQueueURL, opts.AWSRegion)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		out = append(out, sp)
		log.Info("publishing events to sqs", zap.String("queue", opts.SQSQueueURL))
	}
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	switch len(out) {
	case 0:
		return services.NoopPublisher, closeAll, nil
	case 1:
		return out[0], closeAll, nil
	}
	return out, closeAll, nil
}
