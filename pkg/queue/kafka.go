package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultPollTimeout = time.Second

// kafkaClient is the subset of kgo.Client the queue uses.
type kafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// offsetAdmin is the subset of kadm.Client used to compute depth.
type offsetAdmin interface {
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	FetchOffsets(ctx context.Context, group string) (kadm.OffsetResponses, error)
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

type KafkaConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Brokers     []string
	TopicPrefix string
	Group       string
	// Queues are the queues this client consumes. Producing is allowed to any queue.
	Queues      []string
	PollTimeout time.Duration

	client kafkaClient
	admin  offsetAdmin
}

func (cfg *KafkaConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.client == nil && len(cfg.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if cfg.TopicPrefix == "" {
		return errors.New("topic prefix is required")
	}
	if cfg.Group == "" {
		return errors.New("consumer group is required")
	}
	queues, err := ParseNames(cfg.Queues)
	if err != nil {
		return err
	}
	cfg.Queues = queues
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return nil
}

// KafkaQueue maps each queue onto a topic and consumes them with a consumer group.
// A partition's offset is committed only up to the highest record below which every fetched
// record has completed, so jobs finishing out of order never move the group backwards or past
// unfinished work. Failed jobs are not redelivered.
type KafkaQueue struct {
	log    *slog.Logger
	cfg    KafkaConfig
	client kafkaClient
	admin  offsetAdmin

	mu      sync.Mutex
	pending []*kgo.Record
	inbox   map[string]*kgo.Record
	offsets map[topicPartition]*partitionOffsets

	commitMu sync.Mutex
}

type topicPartition struct {
	topic     string
	partition int32
}

// partitionOffsets holds a partition's fetched but uncommitted records in offset order.
type partitionOffsets struct {
	records []*kgo.Record
	done    map[int64]bool
}

// track registers a fetched record. Callers hold q.mu.
func (q *KafkaQueue) track(rec *kgo.Record) {
	tp := topicPartition{rec.Topic, rec.Partition}
	po, ok := q.offsets[tp]
	if !ok {
		po = &partitionOffsets{done: make(map[int64]bool)}
		q.offsets[tp] = po
	}
	po.records = append(po.records, rec)
}

// markDone records rec as finished and returns the record to commit, if the contiguous
// finished prefix of its partition grew. Callers hold q.mu.
func (q *KafkaQueue) markDone(rec *kgo.Record) *kgo.Record {
	po, ok := q.offsets[topicPartition{rec.Topic, rec.Partition}]
	if !ok {
		return nil
	}
	po.done[rec.Offset] = true
	var last *kgo.Record
	for len(po.records) > 0 && po.done[po.records[0].Offset] {
		last = po.records[0]
		delete(po.done, last.Offset)
		po.records = po.records[1:]
	}
	return last
}

func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &KafkaQueue{
		log:     cfg.Logger,
		cfg:     cfg,
		client:  cfg.client,
		admin:   cfg.admin,
		inbox:   make(map[string]*kgo.Record),
		offsets: make(map[topicPartition]*partitionOffsets),
	}
	if q.client != nil {
		return q, nil
	}

	topics := make([]string, len(cfg.Queues))
	for i, name := range cfg.Queues {
		topics[i] = cfg.topic(name)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	q.client = client
	q.admin = kadm.NewClient(client)
	return q, nil
}

func (cfg *KafkaConfig) topic(queue string) string {
	return cfg.TopicPrefix + "." + strings.ToLower(queue)
}

// EnsureTopics creates the topic of every queue, ignoring topics that already exist.
func (q *KafkaQueue) EnsureTopics(ctx context.Context, partitions int32, replication int16) error {
	if q.admin == nil {
		return errors.New("kafka admin client is not configured")
	}
	for _, name := range All {
		_, err := q.admin.CreateTopic(ctx, partitions, replication, nil, q.cfg.topic(name))
		if err != nil && !strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return fmt.Errorf("failed to create topic for %s: %w", name, err)
		}
	}
	return nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, queue, kind string, args []string, opts Options) (Handle, error) {
	if _, err := ParseNames([]string{queue}); err != nil {
		return Handle{}, err
	}
	if args == nil {
		args = []string{}
	}
	job := Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Kind:       kind,
		Args:       args,
		EnqueuedAt: q.cfg.Clock.Now().UTC(),
		Timeout:    opts.Timeout,
		ResultTTL:  opts.ResultTTL,
		FailureTTL: opts.FailureTTL,
	}
	value, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to encode job: %w", err)
	}
	rec := &kgo.Record{Topic: q.cfg.topic(queue), Key: []byte(job.ID), Value: value}
	if err := q.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return Handle{}, fmt.Errorf("failed to produce job: %w", err)
	}
	q.log.Debug("queue: produced job", "queue", queue, "kind", kind, "job_id", job.ID)
	return Handle{ID: job.ID, Queue: queue}, nil
}

// Dequeue returns the next buffered job from the consumed queues, polling the brokers for up
// to the poll timeout when the buffer is empty. The order of queues picks between buffered
// jobs; queues outside the consumed set are ignored.
func (q *KafkaQueue) Dequeue(ctx context.Context, queues []string) (Job, bool, error) {
	if job, ok, err := q.next(queues); ok || err != nil {
		return job, ok, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, q.cfg.PollTimeout)
	defer cancel()
	fetches := q.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return Job{}, false, ErrClosed
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		q.log.Error("queue: fetch error", "topic", topic, "partition", partition, "error", err)
	})

	q.mu.Lock()
	fetches.EachRecord(func(rec *kgo.Record) {
		q.pending = append(q.pending, rec)
		q.track(rec)
	})
	q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Job{}, false, err
	}
	return q.next(queues)
}

func (q *KafkaQueue) next(queues []string) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, name := range queues {
		topic := q.cfg.topic(name)
		for i, rec := range q.pending {
			if rec.Topic != topic {
				continue
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			var job Job
			if err := json.Unmarshal(rec.Value, &job); err != nil {
				// Undecodable records are skipped so they do not hold back the partition's commits.
				q.markDone(rec)
				return Job{}, false, fmt.Errorf("failed to decode job from %s: %w", topic, err)
			}
			q.inbox[job.ID] = rec
			return job, true, nil
		}
	}
	return Job{}, false, nil
}

func (q *KafkaQueue) Complete(ctx context.Context, job Job, jobErr error) error {
	if jobErr != nil {
		q.log.Warn("queue: job failed", "queue", job.Queue, "kind", job.Kind, "job_id", job.ID, "error", jobErr)
	}

	// Commits are serialized so a later watermark never lands before an earlier one.
	q.commitMu.Lock()
	defer q.commitMu.Unlock()

	q.mu.Lock()
	rec, ok := q.inbox[job.ID]
	delete(q.inbox, job.ID)
	var commit *kgo.Record
	if ok {
		commit = q.markDone(rec)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s was not dequeued from this client", job.ID)
	}
	if commit == nil {
		q.log.Debug("queue: commit deferred until earlier jobs complete", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
		return nil
	}
	if err := q.client.CommitRecords(ctx, commit); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

// Depth is the consumer group lag summed over the queue's partitions.
func (q *KafkaQueue) Depth(ctx context.Context, queue string) (int, error) {
	if q.admin == nil {
		return 0, errors.New("kafka admin client is not configured")
	}
	topic := q.cfg.topic(queue)
	ends, err := q.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list end offsets: %w", err)
	}
	committed, err := q.admin.FetchOffsets(ctx, q.cfg.Group)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch committed offsets: %w", err)
	}

	var depth int64
	var listErr error
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err != nil {
			listErr = o.Err
			return
		}
		at := int64(0)
		if c, ok := committed.Lookup(o.Topic, o.Partition); ok && c.Err == nil && c.At > 0 {
			at = c.At
		}
		if o.Offset > at {
			depth += o.Offset - at
		}
	})
	if listErr != nil {
		return 0, fmt.Errorf("failed to list end offsets: %w", listErr)
	}
	return int(depth), nil
}

func (q *KafkaQueue) Close() error {
	q.client.Close()
	return nil
}
