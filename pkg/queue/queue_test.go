package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/contextgraph/pkg/store/storetest"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestQueue_ParseNames(t *testing.T) {
	t.Parallel()

	names, err := ParseNames(nil)
	require.NoError(t, err)
	require.Equal(t, All, names)

	names, err = ParseNames([]string{"NORMALIZE, CONNECTOR_INGEST", "NORMALIZE"})
	require.NoError(t, err)
	require.Equal(t, []string{Normalize, ConnectorIngest}, names)

	_, err = ParseNames([]string{"CONNECTOR_INGEST,BOGUS"})
	require.EqualError(t, err, "unknown queue 'BOGUS'. Allowed: CONNECTOR_INGEST, PERMISSIONS_SYNC, NORMALIZE, AGGREGATE_CONTEXT")
}

func newStoreQueue(t *testing.T) (*StoreQueue, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	q, err := NewStoreQueue(StoreConfig{Logger: storetest.Logger(), DB: storetest.New(t), Clock: clock})
	require.NoError(t, err)
	return q, clock
}

func TestQueue_Store(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("config requires logger and db", func(t *testing.T) {
		t.Parallel()
		cfg := StoreConfig{}
		require.EqualError(t, cfg.Validate(), "logger is required")
		cfg = StoreConfig{Logger: storetest.Logger()}
		require.EqualError(t, cfg.Validate(), "db is required")
	})

	t.Run("rejects unknown queue", func(t *testing.T) {
		t.Parallel()
		q, _ := newStoreQueue(t)
		_, err := q.Enqueue(ctx, "BOGUS", "connector_ingest", nil, Options{})
		require.Error(t, err)
	})

	t.Run("dequeues in order across queues", func(t *testing.T) {
		t.Parallel()
		q, clock := newStoreQueue(t)

		first, err := q.Enqueue(ctx, ConnectorIngest, "connector_ingest", []string{"jira"}, Options{Timeout: time.Minute})
		require.NoError(t, err)
		clock.Advance(time.Second)
		second, err := q.Enqueue(ctx, ConnectorIngest, "connector_ingest", []string{"slack"}, Options{})
		require.NoError(t, err)
		clock.Advance(time.Second)
		agg, err := q.Enqueue(ctx, AggregateContext, "aggregation", nil, Options{})
		require.NoError(t, err)

		depths, err := Depths(ctx, q)
		require.NoError(t, err)
		require.Equal(t, map[string]int{ConnectorIngest: 2, PermissionsSync: 0, Normalize: 0, AggregateContext: 1}, depths)

		job, ok, err := q.Dequeue(ctx, []string{AggregateContext, ConnectorIngest})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, agg.ID, job.ID)
		require.Equal(t, []string{}, job.Args)

		job, ok, err = q.Dequeue(ctx, []string{AggregateContext, ConnectorIngest})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first.ID, job.ID)
		require.Equal(t, []string{"jira"}, job.Args)
		require.Equal(t, time.Minute, job.Timeout)
		require.Equal(t, testNow, job.EnqueuedAt)

		job, ok, err = q.Dequeue(ctx, []string{ConnectorIngest})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, second.ID, job.ID)

		_, ok, err = q.Dequeue(ctx, All)
		require.NoError(t, err)
		require.False(t, ok)

		n, err := q.Depth(ctx, ConnectorIngest)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("completed jobs expire after their ttl", func(t *testing.T) {
		t.Parallel()
		q, clock := newStoreQueue(t)
		s := q.cfg.DB

		_, err := q.Enqueue(ctx, Normalize, "kg_identity", nil, Options{ResultTTL: time.Minute, FailureTTL: time.Hour})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, Normalize, "kg_identity", nil, Options{ResultTTL: time.Minute, FailureTTL: time.Hour})
		require.NoError(t, err)

		ok1, found, err := q.Dequeue(ctx, []string{Normalize})
		require.NoError(t, err)
		require.True(t, found)
		require.NoError(t, q.Complete(ctx, ok1, nil))

		failed, found, err := q.Dequeue(ctx, []string{Normalize})
		require.NoError(t, err)
		require.True(t, found)
		require.NoError(t, q.Complete(ctx, failed, errors.New("boom")))

		var status, errText string
		require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT status, error FROM queue_job WHERE job_id = $1`, failed.ID).Scan(&status, &errText))
		require.Equal(t, "failed", status)
		require.Equal(t, "boom", errText)

		clock.Advance(2 * time.Minute)
		_, err = q.Enqueue(ctx, Normalize, "kg_identity", nil, Options{})
		require.NoError(t, err)
		require.Equal(t, 2, storetest.Count(t, s, "queue_job"))

		clock.Advance(2 * time.Hour)
		_, err = q.Enqueue(ctx, Normalize, "kg_identity", nil, Options{})
		require.NoError(t, err)
		require.Equal(t, 2, storetest.Count(t, s, "queue_job"))

		n, err := q.Depth(ctx, Normalize)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})
}

type mockKafkaClient struct {
	ProduceSyncFunc   func(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollFetchesFunc   func(ctx context.Context) kgo.Fetches
	CommitRecordsFunc func(ctx context.Context, rs ...*kgo.Record) error
	CloseFunc         func()
}

func (m *mockKafkaClient) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	return m.ProduceSyncFunc(ctx, rs...)
}

func (m *mockKafkaClient) PollFetches(ctx context.Context) kgo.Fetches {
	return m.PollFetchesFunc(ctx)
}

func (m *mockKafkaClient) CommitRecords(ctx context.Context, rs ...*kgo.Record) error {
	return m.CommitRecordsFunc(ctx, rs...)
}

func (m *mockKafkaClient) Close() {
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

type mockOffsetAdmin struct {
	ListEndOffsetsFunc func(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	FetchOffsetsFunc   func(ctx context.Context, group string) (kadm.OffsetResponses, error)
	CreateTopicFunc    func(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

func (m *mockOffsetAdmin) ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error) {
	return m.ListEndOffsetsFunc(ctx, topics...)
}

func (m *mockOffsetAdmin) FetchOffsets(ctx context.Context, group string) (kadm.OffsetResponses, error) {
	return m.FetchOffsetsFunc(ctx, group)
}

func (m *mockOffsetAdmin) CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error) {
	return m.CreateTopicFunc(ctx, partitions, replicationFactor, configs, topic)
}

func fetchesOf(records ...*kgo.Record) kgo.Fetches {
	byTopic := make(map[string][]*kgo.Record)
	var order []string
	for _, rec := range records {
		if _, ok := byTopic[rec.Topic]; !ok {
			order = append(order, rec.Topic)
		}
		byTopic[rec.Topic] = append(byTopic[rec.Topic], rec)
	}
	var fetch kgo.Fetch
	for _, topic := range order {
		fetch.Topics = append(fetch.Topics, kgo.FetchTopic{
			Topic:      topic,
			Partitions: []kgo.FetchPartition{{Partition: 0, Records: byTopic[topic]}},
		})
	}
	return kgo.Fetches{fetch}
}

func TestQueue_Kafka(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()
		cfg := KafkaConfig{Logger: storetest.Logger()}
		require.EqualError(t, cfg.Validate(), "brokers are required")
		cfg = KafkaConfig{Logger: storetest.Logger(), Brokers: []string{"localhost:9092"}}
		require.EqualError(t, cfg.Validate(), "topic prefix is required")
		cfg = KafkaConfig{Logger: storetest.Logger(), Brokers: []string{"localhost:9092"}, TopicPrefix: "cg"}
		require.EqualError(t, cfg.Validate(), "consumer group is required")
		cfg = KafkaConfig{Logger: storetest.Logger(), Brokers: []string{"localhost:9092"}, TopicPrefix: "cg", Group: "workers", Queues: []string{"NOPE"}}
		require.Error(t, cfg.Validate())
	})

	t.Run("produces polls and commits jobs", func(t *testing.T) {
		t.Parallel()

		var produced []*kgo.Record
		var committed []*kgo.Record
		polls := 0
		client := &mockKafkaClient{
			ProduceSyncFunc: func(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
				produced = append(produced, rs...)
				return kgo.ProduceResults{{Record: rs[0]}}
			},
			PollFetchesFunc: func(context.Context) kgo.Fetches {
				polls++
				if polls > 1 {
					return kgo.Fetches{}
				}
				return fetchesOf(produced...)
			},
			CommitRecordsFunc: func(_ context.Context, rs ...*kgo.Record) error {
				committed = append(committed, rs...)
				return nil
			},
		}
		q, err := NewKafkaQueue(KafkaConfig{
			Logger:      storetest.Logger(),
			Clock:       clockwork.NewFakeClockAt(testNow),
			TopicPrefix: "cg",
			Group:       "workers",
			client:      client,
		})
		require.NoError(t, err)

		ingest, err := q.Enqueue(ctx, ConnectorIngest, "connector_ingest", []string{"jira"}, Options{Timeout: time.Minute})
		require.NoError(t, err)
		perms, err := q.Enqueue(ctx, PermissionsSync, "permissions_sync", []string{"jira"}, Options{})
		require.NoError(t, err)
		require.Len(t, produced, 2)
		require.Equal(t, "cg.connector_ingest", produced[0].Topic)
		require.Equal(t, "cg.permissions_sync", produced[1].Topic)

		var decoded Job
		require.NoError(t, json.Unmarshal(produced[0].Value, &decoded))
		require.Equal(t, ingest.ID, decoded.ID)
		require.Equal(t, time.Minute, decoded.Timeout)

		job, ok, err := q.Dequeue(ctx, []string{PermissionsSync, ConnectorIngest})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, perms.ID, job.ID)
		require.Equal(t, "permissions_sync", job.Kind)
		require.Equal(t, testNow, job.EnqueuedAt)

		require.NoError(t, q.Complete(ctx, job, nil))
		require.Len(t, committed, 1)
		require.Equal(t, "cg.permissions_sync", committed[0].Topic)
		require.Error(t, q.Complete(ctx, job, nil))

		job, ok, err = q.Dequeue(ctx, All)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ingest.ID, job.ID)
		require.Equal(t, []string{"jira"}, job.Args)
		require.NoError(t, q.Complete(ctx, job, errors.New("boom")))
		require.Len(t, committed, 2)

		_, ok, err = q.Dequeue(ctx, All)
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, 2, polls)
	})

	t.Run("commits only the contiguous completed prefix of each partition", func(t *testing.T) {
		t.Parallel()

		record := func(partition int32, offset int64, id string) *kgo.Record {
			value, err := json.Marshal(Job{ID: id, Queue: Normalize, Kind: "normalize", Args: []string{}})
			require.NoError(t, err)
			return &kgo.Record{Topic: "cg.normalize", Partition: partition, Offset: offset, Value: value}
		}
		p0 := []*kgo.Record{record(0, 10, "a"), record(0, 11, "b"), record(0, 12, "c")}
		p1 := record(1, 40, "d")

		var committed []*kgo.Record
		polls := 0
		client := &mockKafkaClient{
			PollFetchesFunc: func(context.Context) kgo.Fetches {
				polls++
				if polls > 1 {
					return kgo.Fetches{}
				}
				return kgo.Fetches{{Topics: []kgo.FetchTopic{{
					Topic: "cg.normalize",
					Partitions: []kgo.FetchPartition{
						{Partition: 0, Records: p0},
						{Partition: 1, Records: []*kgo.Record{p1}},
					},
				}}}}
			},
			CommitRecordsFunc: func(_ context.Context, rs ...*kgo.Record) error {
				committed = append(committed, rs...)
				return nil
			},
		}
		q, err := NewKafkaQueue(KafkaConfig{Logger: storetest.Logger(), TopicPrefix: "cg", Group: "workers", client: client})
		require.NoError(t, err)

		jobs := make(map[string]Job)
		for range 4 {
			job, ok, err := q.Dequeue(ctx, []string{Normalize})
			require.NoError(t, err)
			require.True(t, ok)
			jobs[job.ID] = job
		}
		require.Len(t, jobs, 4)

		require.NoError(t, q.Complete(ctx, jobs["c"], nil))
		require.NoError(t, q.Complete(ctx, jobs["b"], errors.New("boom")))
		require.Empty(t, committed)

		require.NoError(t, q.Complete(ctx, jobs["d"], nil))
		require.Len(t, committed, 1)
		require.Equal(t, int32(1), committed[0].Partition)
		require.Equal(t, int64(40), committed[0].Offset)

		require.NoError(t, q.Complete(ctx, jobs["a"], nil))
		require.Len(t, committed, 2)
		require.Equal(t, int32(0), committed[1].Partition)
		require.Equal(t, int64(12), committed[1].Offset)
	})

	t.Run("closed client", func(t *testing.T) {
		t.Parallel()
		client := &mockKafkaClient{
			PollFetchesFunc: func(context.Context) kgo.Fetches {
				return kgo.NewErrFetch(kgo.ErrClientClosed)
			},
		}
		q, err := NewKafkaQueue(KafkaConfig{Logger: storetest.Logger(), TopicPrefix: "cg", Group: "workers", client: client})
		require.NoError(t, err)
		_, _, err = q.Dequeue(ctx, All)
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("depth is consumer lag", func(t *testing.T) {
		t.Parallel()
		admin := &mockOffsetAdmin{
			ListEndOffsetsFunc: func(_ context.Context, topics ...string) (kadm.ListedOffsets, error) {
				require.Equal(t, []string{"cg.normalize"}, topics)
				return kadm.ListedOffsets{"cg.normalize": {
					0: {Topic: "cg.normalize", Partition: 0, Offset: 10},
					1: {Topic: "cg.normalize", Partition: 1, Offset: 4},
				}}, nil
			},
			FetchOffsetsFunc: func(_ context.Context, group string) (kadm.OffsetResponses, error) {
				require.Equal(t, "workers", group)
				return kadm.OffsetResponses{"cg.normalize": {
					0: {Offset: kadm.Offset{Topic: "cg.normalize", Partition: 0, At: 7}},
				}}, nil
			},
		}
		q, err := NewKafkaQueue(KafkaConfig{Logger: storetest.Logger(), TopicPrefix: "cg", Group: "workers", client: &mockKafkaClient{}, admin: admin})
		require.NoError(t, err)

		n, err := q.Depth(ctx, Normalize)
		require.NoError(t, err)
		require.Equal(t, 7, n)
	})

	t.Run("ensure topics tolerates existing topics", func(t *testing.T) {
		t.Parallel()
		var created []string
		admin := &mockOffsetAdmin{
			CreateTopicFunc: func(_ context.Context, partitions int32, replication int16, _ map[string]*string, topic string) (kadm.CreateTopicResponse, error) {
				require.Equal(t, int32(1), partitions)
				require.Equal(t, int16(1), replication)
				created = append(created, topic)
				if topic == "cg.normalize" {
					return kadm.CreateTopicResponse{}, errors.New("TOPIC_ALREADY_EXISTS: Topic with this name already exists.")
				}
				return kadm.CreateTopicResponse{Topic: topic}, nil
			},
		}
		q, err := NewKafkaQueue(KafkaConfig{Logger: storetest.Logger(), TopicPrefix: "cg", Group: "workers", client: &mockKafkaClient{}, admin: admin})
		require.NoError(t, err)
		require.NoError(t, q.EnsureTopics(ctx, 1, 1))
		require.Equal(t, []string{"cg.connector_ingest", "cg.permissions_sync", "cg.normalize", "cg.aggregate_context"}, created)
	})
}

func TestQueue_Kafka_Redpanda(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redpanda integration test in short mode")
	}
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v23.3.3", redpanda.WithAutoCreateTopics())
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)
	broker, err := ctr.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	q, err := NewKafkaQueue(KafkaConfig{
		Logger:      storetest.Logger(),
		Brokers:     []string{broker},
		TopicPrefix: "cg",
		Group:       "workers",
		PollTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.EnsureTopics(ctx, 1, 1))

	handle, err := q.Enqueue(ctx, AggregateContext, "aggregation", nil, Options{})
	require.NoError(t, err)

	var job Job
	require.Eventually(t, func() bool {
		got, ok, err := q.Dequeue(ctx, All)
		if err != nil || !ok {
			return false
		}
		job = got
		return true
	}, time.Minute, 100*time.Millisecond)
	require.Equal(t, handle.ID, job.ID)
	require.NoError(t, q.Complete(ctx, job, nil))

	require.Eventually(t, func() bool {
		n, err := q.Depth(ctx, AggregateContext)
		return err == nil && n == 0
	}, 30*time.Second, 200*time.Millisecond)
}
