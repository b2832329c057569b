// Copyright The Tablefeed Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kafka

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tablefeed/tablefeed"
	"github.com/tablefeed/tablefeed/metrictest"
)

func zapTest(t testing.TB, opts ...zaptest.LoggerOption) *zap.Logger {
	t.Helper()
	if len(opts) == 0 {
		opts = append(opts, zaptest.Level(zap.InfoLevel))
	}
	return zaptest.NewLogger(t, opts...)
}

func newFakeCluster(t testing.TB) (*kfake.Cluster, CommonConfig) {
	cluster, err := kfake.NewCluster(
		// Just one broker to simplify dealing with sharded requests.
		kfake.NumBrokers(1),
	)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster, CommonConfig{
		Brokers: cluster.ListenAddrs(),
		Logger:  zap.NewNop(),
	}
}

func newClusterWithTopics(t testing.TB, partitions int32, topics ...string) (*kgo.Client, []string) {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.SeedTopics(partitions, topics...))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	addrs := cluster.ListenAddrs()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(addrs...),
		// Reduce the max wait time to speed up tests.
		kgo.FetchMaxWait(100*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client, addrs
}

func produceRecord(ctx context.Context, t testing.TB, c *kgo.Client, r *kgo.Record) {
	t.Helper()
	results := c.ProduceSync(ctx, r)
	assert.NoError(t, results.FirstErr())
	r, err := results.First()
	assert.NoError(t, err)
	assert.NotNil(t, r)
}

func getCommittedOffsets(ctx context.Context, t testing.TB,
	c *kadm.Client, group string,
) map[string]int64 {
	t.Helper()
	res, err := c.FetchOffsets(ctx, group)
	require.NoError(t, err)

	offsets := make(map[string]int64)
	res.Offsets().Each(func(o kadm.Offset) {
		offsets[o.Topic] = o.At
	})
	return offsets
}

// gatherInt64 collects the instruments registered under this package's meter.
func gatherInt64(t testing.TB, tm metrictest.TestMetric) metrictest.Int64Metrics {
	t.Helper()
	rm, err := tm.Collect(context.Background())
	require.NoError(t, err)
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name == instrumentName {
			return metrictest.GatherInt64Metric(sm.Metrics)
		}
	}
	return metrictest.Int64Metrics{}
}

func counterValue(m metrictest.Int64Metrics, name string) int64 {
	return m[metrictest.Key{Name: name, Unit: unitCount}][metrictest.KV{}]
}

// stubQueue scripts ConsumeBatch: each call pops the next batch. OnConsume
// runs before returning, standing in for side effects of a blocking pull.
type stubQueue struct {
	batches   [][]Message
	calls     int
	maxSeen   []int
	OnConsume func()
}

func (q *stubQueue) ConsumeBatch(max int, timeout time.Duration) []Message {
	q.calls++
	q.maxSeen = append(q.maxSeen, max)
	if q.OnConsume != nil {
		q.OnConsume()
	}
	if len(q.batches) == 0 {
		return nil
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch
}

// stubClient scripts the Client interface for consumer tests, recording
// everything the consumer does to it.
type stubClient struct {
	cbs RebalanceCallbacks

	subscribed   []string
	unsubscribed bool
	closed       bool

	queues      map[tablefeed.TopicPartition]*stubQueue
	assignCalls [][]tablefeed.TopicPartition

	polled []*Message

	metadata    map[string]int
	metadataErr error

	commitErrs  []error
	commitCalls [][]tablefeed.TopicPartition
}

func newStubClient() *stubClient {
	return &stubClient{queues: make(map[tablefeed.TopicPartition]*stubQueue)}
}

func (s *stubClient) queueFor(tp tablefeed.TopicPartition) *stubQueue {
	key := tp.WithoutOffset()
	queue, ok := s.queues[key]
	if !ok {
		queue = &stubQueue{}
		s.queues[key] = queue
	}
	return queue
}

func (s *stubClient) SetRebalanceCallbacks(cbs RebalanceCallbacks) { s.cbs = cbs }

func (s *stubClient) Subscribe(topics []string) error {
	s.subscribed = topics
	return nil
}

func (s *stubClient) Unsubscribe() error {
	s.unsubscribed = true
	s.subscribed = nil
	return nil
}

func (s *stubClient) Subscription() []string { return s.subscribed }

func (s *stubClient) Assign(partitions []tablefeed.TopicPartition) error {
	s.assignCalls = append(s.assignCalls, partitions)
	return nil
}

func (s *stubClient) PartitionQueue(tp tablefeed.TopicPartition) Queue {
	return s.queueFor(tp)
}

func (s *stubClient) Poll(timeout time.Duration) *Message {
	if len(s.polled) == 0 {
		return nil
	}
	msg := s.polled[0]
	s.polled = s.polled[1:]
	return msg
}

func (s *stubClient) Metadata(ctx context.Context) (map[string]int, error) {
	return s.metadata, s.metadataErr
}

func (s *stubClient) Commit(ctx context.Context, partitions []tablefeed.TopicPartition) error {
	s.commitCalls = append(s.commitCalls, partitions)
	if len(s.commitErrs) == 0 {
		return nil
	}
	err := s.commitErrs[0]
	s.commitErrs = s.commitErrs[1:]
	return err
}

func (s *stubClient) Close() { s.closed = true }

// newStubConsumer wires a consumer onto a stub client with a manual metric
// reader, so tests can script the broker side and read the instruments back.
func newStubConsumer(t testing.TB, client *stubClient, stopped *atomic.Bool) (*Consumer, metrictest.TestMetric) {
	t.Helper()
	tm := metrictest.New()
	if stopped == nil {
		stopped = &atomic.Bool{}
	}
	consumer, err := newConsumer(client, ConsumerConfig{
		CommonConfig: CommonConfig{
			Brokers:       []string{"localhost:9092"},
			Logger:        zapTest(t),
			MeterProvider: tm.MeterProvider,
		},
		Topics:      []tablefeed.Topic{"events"},
		GroupID:     "engine",
		PollTimeout: 10 * time.Millisecond,
		Stopped:     stopped,
	})
	require.NoError(t, err)
	return consumer, tm
}
