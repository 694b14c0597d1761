// Package kafka implements the work queue on Kafka-compatible brokers
// (Redpanda in the default deployment). Each resource class maps to a
// single-partition topic so claims come back in submission order. The
// producer is transactional and consumers fetch read-committed, so an
// enqueue is either fully visible or not at all.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/evalbox/evalbox/internal/domain"
)

const (
	attemptsHeader = "attempts"
	reasonHeader   = "reason"

	produceTimeout = 30 * time.Second
)

// Queue implements domain.Queue on franz-go clients: one transactional
// producer shared by all classes, one consumer-group client per class.
type Queue struct {
	brokers []string
	groupID string

	producer *kgo.Client
	admin    *kgo.Client
	// Serializes producer transactions; the transactional protocol allows
	// one open transaction per producer.
	txLock chan struct{}

	hooks []kgo.Opt

	mu        sync.Mutex
	consumers map[string]*kgo.Client
	topics    map[string]bool
}

// New connects a queue to the given brokers. groupID names the consumer
// group shared by all dispatcher replicas; transactionalID must be unique
// per producing process.
func New(brokers []string, groupID, transactionalID string) (*Queue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.New: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=kafka.New: missing consumer group id")
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))
	hooks := []kgo.Opt{kgo.WithHooks(kotelService.Hooks()...)}

	producerOpts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}, hooks...)
	producer, err := kgo.NewClient(producerOpts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.New: producer client: %w", err)
	}

	admin, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("op=kafka.New: admin client: %w", err)
	}

	q := &Queue{
		brokers:   brokers,
		groupID:   groupID,
		producer:  producer,
		admin:     admin,
		txLock:    make(chan struct{}, 1),
		hooks:     hooks,
		consumers: make(map[string]*kgo.Client),
		topics:    make(map[string]bool),
	}

	if err := q.ensureTopic(context.Background(), DLQTopic); err != nil {
		slog.Warn("ensure dlq topic", slog.Any("error", err))
	}
	return q, nil
}

func (q *Queue) ensureTopic(ctx context.Context, topic string) error {
	q.mu.Lock()
	done := q.topics[topic]
	q.mu.Unlock()
	if done {
		return nil
	}
	if err := createTopicIfNotExists(ctx, q.admin, topic, 1, 1); err != nil {
		return err
	}
	q.mu.Lock()
	q.topics[topic] = true
	q.mu.Unlock()
	return nil
}

func (q *Queue) Enqueue(ctx domain.Context, class string, item domain.WorkItem) error {
	if class == "" || item.ID == "" {
		return fmt.Errorf("op=kafka.Enqueue: %w", domain.ErrInvalidArgument)
	}
	topic := topicForClass(class)
	if err := q.ensureTopic(ctx, topic); err != nil {
		slog.Warn("ensure topic", slog.String("topic", topic), slog.Any("error", err))
	}
	if err := q.produce(ctx, topic, item, 0, nil); err != nil {
		return fmt.Errorf("op=kafka.Enqueue: %w", err)
	}
	return nil
}

// produce writes one record inside a producer transaction.
func (q *Queue) produce(ctx context.Context, topic string, item domain.WorkItem, attempts int, extra []kgo.RecordHeader) error {
	value, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	headers := append([]kgo.RecordHeader{
		{Key: attemptsHeader, Value: []byte(strconv.Itoa(attempts))},
	}, extra...)
	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(item.ID),
		Value:   value,
		Headers: headers,
	}

	select {
	case q.txLock <- struct{}{}:
		defer func() { <-q.txLock }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := q.producer.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	e := kgo.AbortingFirstErrPromise(q.producer)
	q.producer.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := q.producer.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}
	if err := q.producer.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// consumer returns the class consumer, creating it on first use. Each class
// gets its own group ("<groupID>.<class>") so membership churn in one class
// cannot trigger rebalances in another.
func (q *Queue) consumer(ctx context.Context, class string) (*kgo.Client, error) {
	q.mu.Lock()
	cl, ok := q.consumers[class]
	q.mu.Unlock()
	if ok {
		return cl, nil
	}

	topic := topicForClass(class)
	if err := q.ensureTopic(ctx, topic); err != nil {
		slog.Warn("ensure topic", slog.String("topic", topic), slog.Any("error", err))
	}
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(q.brokers...),
		kgo.ConsumerGroup(q.groupID + "." + class),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	}, q.hooks...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("consumer client: %w", err)
	}

	q.mu.Lock()
	if existing, ok := q.consumers[class]; ok {
		q.mu.Unlock()
		cl.Close()
		return existing, nil
	}
	q.consumers[class] = cl
	q.mu.Unlock()
	return cl, nil
}

type receipt struct {
	client *kgo.Client
	record *kgo.Record
}

func (q *Queue) Claim(ctx domain.Context, class string, wait time.Duration) (*domain.ClaimedItem, error) {
	cl, err := q.consumer(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.Claim: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	fetches := cl.PollRecords(pollCtx, 1)
	for _, fe := range fetches.Errors() {
		if fe.Err == context.DeadlineExceeded || fe.Err == context.Canceled {
			continue
		}
		return nil, fmt.Errorf("op=kafka.Claim: topic %s partition %d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	records := fetches.Records()
	if len(records) == 0 {
		return nil, nil
	}

	rec := records[0]
	item := decodeItem(rec, class)
	return &domain.ClaimedItem{
		WorkItem:  item,
		Attempts:  parseAttempts(rec),
		ClaimedAt: time.Now().UTC(),
		Receipt:   &receipt{client: cl, record: rec},
	}, nil
}

func (q *Queue) Ack(_ domain.Context, item *domain.ClaimedItem) error {
	r, err := receiptOf(item, "Ack")
	if err != nil {
		return err
	}
	r.client.MarkCommitRecords(r.record)
	return nil
}

// Nack retires the claimed record and schedules a replacement with the
// attempt count bumped. The delay runs in-process; a crash while waiting
// drops the redelivery until the reconciler notices the stuck evaluation.
func (q *Queue) Nack(_ domain.Context, item *domain.ClaimedItem, retryAfter time.Duration) error {
	r, err := receiptOf(item, "Nack")
	if err != nil {
		return err
	}
	r.client.MarkCommitRecords(r.record)

	work := item.WorkItem
	attempts := item.Attempts + 1
	topic := r.record.Topic
	redeliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
		defer cancel()
		if err := q.produce(ctx, topic, work, attempts, nil); err != nil {
			slog.Error("nack redelivery failed",
				slog.String("id", work.ID), slog.Any("error", err))
		}
	}
	if retryAfter <= 0 {
		redeliver()
		return nil
	}
	time.AfterFunc(retryAfter, redeliver)
	return nil
}

func (q *Queue) Requeue(_ domain.Context, item *domain.ClaimedItem) error {
	r, err := receiptOf(item, "Requeue")
	if err != nil {
		return err
	}
	r.client.MarkCommitRecords(r.record)

	ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
	defer cancel()
	if err := q.produce(ctx, r.record.Topic, item.WorkItem, item.Attempts, nil); err != nil {
		return fmt.Errorf("op=kafka.Requeue: %w", err)
	}
	return nil
}

func (q *Queue) DeadLetter(_ domain.Context, item *domain.ClaimedItem, reason string) error {
	r, err := receiptOf(item, "DeadLetter")
	if err != nil {
		return err
	}
	r.client.MarkCommitRecords(r.record)

	ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
	defer cancel()
	letter := domain.DeadLetter{
		Item:     item.WorkItem,
		Reason:   reason,
		Attempts: item.Attempts,
		FailedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("op=kafka.DeadLetter: %w", err)
	}
	record := &kgo.Record{
		Topic: DLQTopic,
		Key:   []byte(item.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: attemptsHeader, Value: []byte(strconv.Itoa(item.Attempts))},
			{Key: reasonHeader, Value: []byte(reason)},
		},
	}

	select {
	case q.txLock <- struct{}{}:
		defer func() { <-q.txLock }()
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := q.producer.BeginTransaction(); err != nil {
		return fmt.Errorf("op=kafka.DeadLetter: begin transaction: %w", err)
	}
	e := kgo.AbortingFirstErrPromise(q.producer)
	q.producer.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := q.producer.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=kafka.DeadLetter: produce: %w", err)
	}
	if err := q.producer.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=kafka.DeadLetter: commit transaction: %w", err)
	}
	return nil
}

// Ping probes broker connectivity, for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	return q.admin.Ping(ctx)
}

// Close shuts down every client.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cl := range q.consumers {
		cl.Close()
	}
	q.consumers = map[string]*kgo.Client{}
	if q.producer != nil {
		q.producer.Close()
	}
	if q.admin != nil {
		q.admin.Close()
	}
	return nil
}

func receiptOf(item *domain.ClaimedItem, op string) (*receipt, error) {
	if item == nil {
		return nil, fmt.Errorf("op=kafka.%s: %w", op, domain.ErrInvalidArgument)
	}
	r, ok := item.Receipt.(*receipt)
	if !ok || r.client == nil || r.record == nil {
		return nil, fmt.Errorf("op=kafka.%s: foreign receipt: %w", op, domain.ErrInvalidArgument)
	}
	return r, nil
}

func parseAttempts(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key == attemptsHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}

func decodeItem(rec *kgo.Record, class string) domain.WorkItem {
	var item domain.WorkItem
	if err := json.Unmarshal(rec.Value, &item); err != nil || item.ID == "" {
		// The key always carries the id, so a mangled value still yields a
		// dispatchable item.
		item = domain.WorkItem{ID: string(rec.Key), ResourceClass: class}
	}
	if item.ResourceClass == "" {
		item.ResourceClass = class
	}
	return item
}
