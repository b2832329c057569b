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
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/tablefeed/tablefeed"
)

// franzClient implements Client on top of a franz-go consumer-group member.
//
// Detached partition queues are modeled by routing fetched records into
// per-partition buffers: while a partition is part of the Assign set, its
// records land in that partition's queue and never surface through Poll.
// Rebalance callbacks only fire while a poll is in flight
// (kgo.BlockRebalanceOnPoll), which is what makes them synchronous with
// respect to the driving goroutine.
type franzClient struct {
	cfg    CommonConfig
	logger *zap.Logger
	group  string

	cbs RebalanceCallbacks

	mu       sync.Mutex
	client   *kgo.Client
	adm      *kadm.Client
	topics   []string
	detached map[topicPartitionKey]*partitionQueue
	shared   []Message
}

type topicPartitionKey struct {
	topic     string
	partition int32
}

func newFranzClient(cfg CommonConfig, group string) (*franzClient, error) {
	return &franzClient{
		cfg:      cfg,
		logger:   cfg.Logger.Named("client"),
		group:    group,
		detached: make(map[topicPartitionKey]*partitionQueue),
	}, nil
}

// SetRebalanceCallbacks implements Client. Must be called before Subscribe.
func (fc *franzClient) SetRebalanceCallbacks(cbs RebalanceCallbacks) {
	fc.cbs = cbs
}

// Subscribe joins the consumer group for the given topics.
func (fc *franzClient) Subscribe(topics []string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.client != nil {
		return errors.New("kafka: already subscribed")
	}
	client, err := fc.cfg.newClient(
		kgo.ConsumerGroup(fc.group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		// Rebalances, and therefore the callbacks below, can only fire
		// while a poll is in flight; every pump call ends with
		// AllowRebalance.
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(fc.onAssigned),
		kgo.OnPartitionsRevoked(fc.onRevoked),
		kgo.OnPartitionsLost(fc.onRevoked),
	)
	if err != nil {
		return err
	}
	fc.client = client
	fc.adm = kadm.NewClient(client)
	fc.topics = slices.Clone(topics)
	return nil
}

// Unsubscribe leaves the consumer group. The kgo client stays usable for
// draining the shared queue until Close.
func (fc *franzClient) Unsubscribe() error {
	fc.mu.Lock()
	client := fc.client
	fc.topics = nil
	fc.mu.Unlock()
	if client == nil {
		return nil
	}
	client.LeaveGroup()
	return nil
}

// Subscription implements Client.
func (fc *franzClient) Subscription() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.topics
}

// onAssigned adapts the kgo assignment callback to the Client callback
// shape. Offsets are unknown at this point; the engine injects them later
// through Assign.
func (fc *franzClient) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	tps := flattenPartitions(assigned)
	if fc.cbs.Assigned != nil {
		fc.cbs.Assigned(tps)
	}
}

func (fc *franzClient) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	// Dropping the buffers re-attaches the partitions: anything fetched for
	// them afterwards surfaces through Poll.
	fc.mu.Lock()
	fc.detached = make(map[topicPartitionKey]*partitionQueue)
	fc.mu.Unlock()

	tps := flattenPartitions(revoked)
	if fc.cbs.Revoked != nil {
		fc.cbs.Revoked(tps)
	}
}

func flattenPartitions(m map[string][]int32) []tablefeed.TopicPartition {
	tps := make([]tablefeed.TopicPartition, 0, len(m))
	for topic, partitions := range m {
		for _, partition := range partitions {
			tps = append(tps, tablefeed.TopicPartition{
				Topic:     topic,
				Partition: partition,
				Offset:    tablefeed.OffsetUnset,
			})
		}
	}
	slices.SortFunc(tps, func(a, b tablefeed.TopicPartition) int { return a.Compare(b) })
	return tps
}

// Assign restates the owned partition set, creating a fresh detached queue
// per partition and repositioning the client on any concrete offsets.
func (fc *franzClient) Assign(partitions []tablefeed.TopicPartition) error {
	fc.mu.Lock()
	client := fc.client
	if client == nil {
		// Leave the queue set untouched on failure.
		fc.mu.Unlock()
		return errors.New("kafka: not subscribed")
	}
	fc.detached = make(map[topicPartitionKey]*partitionQueue, len(partitions))
	for _, tp := range partitions {
		key := topicPartitionKey{topic: tp.Topic, partition: tp.Partition}
		fc.detached[key] = &partitionQueue{fc: fc}
	}
	fc.mu.Unlock()

	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, tp := range partitions {
		if tp.Offset < 0 {
			// Unset: keep the broker-decided position until the engine
			// pushes an authoritative one.
			continue
		}
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: tp.Offset}
	}
	if len(offsets) != 0 {
		client.SetOffsets(offsets)
	}
	return nil
}

// PartitionQueue implements Client.
func (fc *franzClient) PartitionQueue(tp tablefeed.TopicPartition) Queue {
	key := topicPartitionKey{topic: tp.Topic, partition: tp.Partition}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	queue, ok := fc.detached[key]
	if !ok {
		queue = &partitionQueue{fc: fc}
		fc.detached[key] = queue
	}
	return queue
}

// Poll pulls one message from the shared queue, pumping fetches (and with
// them the rebalance callbacks) when nothing is buffered.
func (fc *franzClient) Poll(timeout time.Duration) *Message {
	if msg := fc.popShared(); msg != nil {
		return msg
	}
	fc.pump(timeout)
	return fc.popShared()
}

func (fc *franzClient) popShared() *Message {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.shared) == 0 {
		return nil
	}
	msg := fc.shared[0]
	fc.shared = fc.shared[1:]
	return &msg
}

// pump drives one PollFetches call bounded by timeout and routes the result:
// records of detached partitions into their queues, everything else onto the
// shared queue. Any pending rebalance runs inside the PollFetches call.
func (fc *franzClient) pump(timeout time.Duration) {
	fc.mu.Lock()
	client := fc.client
	fc.mu.Unlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	fetches := client.PollFetches(ctx)
	defer client.AllowRebalance()
	if fetches.IsClientClosed() {
		return
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		// The poll timeout elapsing is the normal empty outcome.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		if topic == "" && fc.cbs.Error != nil {
			// Client-level errors carry no topic; treat them as group
			// protocol errors.
			fc.cbs.Error(err)
			return
		}
		fc.mu.Lock()
		fc.shared = append(fc.shared, Message{Topic: topic, Partition: partition, Err: err})
		fc.mu.Unlock()
	})

	fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
		if len(ftp.Records) == 0 {
			return
		}
		key := topicPartitionKey{topic: ftp.Topic, partition: ftp.Partition}
		fc.mu.Lock()
		defer fc.mu.Unlock()
		if queue, ok := fc.detached[key]; ok {
			queue.push(ftp.Records)
			return
		}
		for _, r := range ftp.Records {
			fc.shared = append(fc.shared, Message{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Value:     r.Value,
			})
		}
	})
}

// Metadata implements Client.
func (fc *franzClient) Metadata(ctx context.Context) (map[string]int, error) {
	fc.mu.Lock()
	adm := fc.adm
	topics := slices.Clone(fc.topics)
	fc.mu.Unlock()
	if adm == nil {
		return nil, errors.New("kafka: not subscribed")
	}
	metadata, err := adm.Metadata(ctx, topics...)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(metadata.Topics))
	for name, detail := range metadata.Topics {
		if detail.Err != nil {
			fc.logger.Warn("topic metadata error",
				zap.String("topic", name), zap.Error(detail.Err))
			continue
		}
		counts[name] = len(detail.Partitions)
	}
	return counts, nil
}

// Commit implements Client. Offsets are committed from the group member
// itself, carrying the live member and generation IDs; an admin-side commit
// would be rejected while the group has active members. Partitions with
// unset offsets carry nothing to commit; when none carries an offset the
// result is ErrNoOffset.
func (fc *franzClient) Commit(ctx context.Context, partitions []tablefeed.TopicPartition) error {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, tp := range partitions {
		if tp.Offset < 0 {
			continue
		}
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: tp.Offset}
	}
	if len(offsets) == 0 {
		return ErrNoOffset
	}

	fc.mu.Lock()
	client := fc.client
	fc.mu.Unlock()
	if client == nil {
		return errors.New("kafka: not subscribed")
	}

	var commitErrs []error
	client.CommitOffsetsSync(ctx, offsets,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErrs = append(commitErrs, err)
				return
			}
			for _, topic := range resp.Topics {
				for _, partition := range topic.Partitions {
					if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
						commitErrs = append(commitErrs, fmt.Errorf(
							"%s[%d]: %w", topic.Topic, partition.Partition, err))
					}
				}
			}
		})
	return errors.Join(commitErrs...)
}

// Close implements Client.
func (fc *franzClient) Close() {
	fc.mu.Lock()
	client := fc.client
	fc.client = nil
	fc.adm = nil
	fc.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// partitionQueue buffers one partition's fetched records. ConsumeBatch is
// driven by the consumer's goroutine; push is called from pump while that
// same call stack is blocked in PollFetches.
type partitionQueue struct {
	fc *franzClient

	mu  sync.Mutex
	buf []Message
}

func (q *partitionQueue) push(records []*kgo.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range records {
		q.buf = append(q.buf, Message{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Value:     r.Value,
		})
	}
}

func (q *partitionQueue) take(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	n := min(max, len(q.buf))
	batch := q.buf[:n:n]
	q.buf = q.buf[n:]
	return batch
}

// ConsumeBatch implements Queue.
func (q *partitionQueue) ConsumeBatch(max int, timeout time.Duration) []Message {
	deadline := time.Now().Add(timeout)
	for {
		if batch := q.take(max); len(batch) > 0 {
			return batch
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		q.fc.pump(remaining)
	}
}
