package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Producer is the subset of *kgo.Client used for publishing.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher writes events to a single Kafka topic keyed by user id, so
// events of one user stay ordered.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

var _ checkout.Notifier = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to topic.
func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// NewClient creates a franz-go client for producing events. Records not
// acknowledged within deliveryTimeout fail instead of blocking ProduceSync.
func NewClient(brokers []string, clientID string, deliveryTimeout time.Duration) (*kgo.Client, error) {
	if deliveryTimeout <= 0 {
		return nil, errors.New("delivery timeout must be positive")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(deliveryTimeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka client")
	}
	return client, nil
}

// EnsureTopic creates topic unless it already exists.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	adm := kadm.NewClient(client)

	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, topic)
	if err != nil {
		return errors.Wrapf(err, "create topic %s", topic)
	}
	for _, detail := range resp {
		if detail.Err != nil && !errors.Is(detail.Err, kerr.TopicAlreadyExists) {
			return errors.Wrapf(detail.Err, "create topic %s", detail.Topic)
		}
	}
	return nil
}

func (p *KafkaPublisher) OrderReconciled(ctx context.Context, o *order.Order) error {
	return p.publish(ctx, TypeOrderReconciled, o.UserID, EncodeOrderReconciled(o))
}

func (p *KafkaPublisher) RewardIssued(ctx context.Context, c *coupon.Coupon) error {
	return p.publish(ctx, TypeRewardIssued, c.UserID, EncodeRewardIssued(c))
}

func (p *KafkaPublisher) publish(ctx context.Context, typ, key string, value []byte) error {
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(typ)},
		},
	}
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrapf(err, "produce %s", typ)
	}
	return nil
}
