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
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tablefeed/tablefeed"
)

const (
	// eventPollTimeout bounds each shared-queue poll in PollEvents.
	eventPollTimeout = 50 * time.Millisecond
	// eventPollTries bounds how many times PollEvents pumps the shared queue.
	eventPollTries = 5
	// commitRetries bounds the attempts made by Commit for one partition.
	commitRetries = 5
	// drainTimeout is the wall-clock budget for draining the shared queue on
	// Close. The underlying client hangs on teardown if queued event
	// callbacks are never pumped after unsubscribing.
	drainTimeout     = 5 * time.Second
	drainPollTimeout = 100 * time.Millisecond

	defaultBatchSize   = 100
	defaultPollTimeout = 500 * time.Millisecond
)

// StalledReason records why the last Consume call produced no payload.
type StalledReason uint8

const (
	// NotStalled means the last Consume call returned a usable payload.
	NotStalled StalledReason = iota
	// NoMessagesReturned means the partition queue had no new data within
	// the poll timeout. This is the normal idle outcome, not an error.
	NoMessagesReturned
	// ConsumerStopped means the stop flag was observed.
	ConsumerStopped
	// ErrorsReturned means the pulled batch contained only delivery errors.
	ErrorsReturned
)

func (r StalledReason) String() string {
	switch r {
	case NotStalled:
		return "not_stalled"
	case NoMessagesReturned:
		return "no_messages_returned"
	case ConsumerStopped:
		return "consumer_stopped"
	case ErrorsReturned:
		return "errors_returned"
	default:
		return "unknown"
	}
}

// ConsumerConfig defines the configuration for the cursor consumer.
type ConsumerConfig struct {
	CommonConfig
	// Topics the consumer subscribes to.
	Topics []tablefeed.Topic
	// GroupID to join as part of the consumer group.
	GroupID string
	// BatchSize is the maximum number of messages pulled from a partition
	// queue in one Consume call. Defaults to 100 if <= 0.
	BatchSize int
	// PollTimeout is how long a Consume call waits on a partition queue
	// before reporting NoMessagesReturned. Defaults to 500ms if <= 0.
	PollTimeout time.Duration
	// Stopped is the engine-shared stop signal. It may be set from any
	// goroutine at any time; the consumer only ever reads it, at entry of
	// Consume and again after every blocking pull.
	Stopped *atomic.Bool
}

// Validate ensures the configuration is valid, otherwise, returns an error.
func (cfg ConsumerConfig) Validate() error {
	var errs []error
	if err := cfg.CommonConfig.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(cfg.Topics) == 0 {
		errs = append(errs, errors.New("kafka: at least one topic must be set"))
	}
	if cfg.GroupID == "" {
		errs = append(errs, errors.New("kafka: consumer GroupID must be set"))
	}
	if cfg.Stopped == nil {
		errs = append(errs, errors.New("kafka: stop flag must be set"))
	}
	return errors.Join(errs...)
}

func (cfg *ConsumerConfig) finalize() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
}

// Consumer is a single-group-member cursor over a set of feed topics.
//
// The owning engine drives it from one goroutine: Consume pulls payloads per
// partition, Commit persists an offset, PollEvents pumps group-membership
// callbacks, and UpdateOffsets injects authoritative starting offsets after
// a rebalance. Rebalance callbacks fire synchronously inside any polling
// call on the same goroutine, so no internal locking is needed; the one
// concurrently written input is the stop flag, which the consumer only
// reads.
type Consumer struct {
	client  Client
	logger  *zap.Logger
	metrics *consumerMetrics
	topics  []string

	batchSize   int
	pollTimeout time.Duration
	stopped     *atomic.Bool

	// Written only inside the rebalance callbacks.
	assignment        []tablefeed.TopicPartition
	assigned          bool
	needsOffsetUpdate bool

	// One detached queue per assigned partition. Fully replaced on every
	// assignment change and offset update, never patched.
	queues map[tablefeed.TopicPartition]Queue

	// The most recent batch pulled from one partition queue, and a
	// forward-only cursor into it.
	messages []Message
	cursor   int

	stalled StalledReason
}

// NewConsumer creates a cursor consumer backed by a franz-go client and
// subscribes it to cfg.Topics. Partition assignment arrives later, via the
// rebalance callbacks pumped by PollEvents and Consume.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.CommonConfig.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid consumer config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid consumer config: %w", err)
	}
	client, err := newFranzClient(cfg.CommonConfig, cfg.GroupID)
	if err != nil {
		return nil, err
	}
	return newConsumer(client, cfg)
}

// newConsumer wires the consumer onto an existing Client. Tests use it to
// substitute a scripted client.
func newConsumer(client Client, cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid consumer config: %w", err)
	}
	cfg.finalize()
	metrics, err := newConsumerMetrics(cfg.meterProvider())
	if err != nil {
		return nil, err
	}
	topics := make([]string, len(cfg.Topics))
	for i, topic := range cfg.Topics {
		topics[i] = string(topic)
	}
	c := &Consumer{
		client:      client,
		logger:      cfg.Logger.Named("consumer").With(zap.String("group", cfg.GroupID)),
		metrics:     metrics,
		topics:      topics,
		batchSize:   cfg.BatchSize,
		pollTimeout: cfg.PollTimeout,
		stopped:     cfg.Stopped,
		queues:      make(map[tablefeed.TopicPartition]Queue),
	}
	client.SetRebalanceCallbacks(RebalanceCallbacks{
		Assigned: c.onAssigned,
		Revoked:  c.onRevoked,
		Error:    c.onRebalanceError,
	})
	if err := client.Subscribe(topics); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka: failed subscribing to topics: %w", err)
	}
	return c, nil
}

// onAssigned runs synchronously inside a polling call when this member
// enters the group. The underlying protocol always revokes before assigning,
// so observing a live assignment here is a broken client contract.
func (c *Consumer) onAssigned(partitions []tablefeed.TopicPartition) {
	ctx := context.Background()
	c.metrics.assignedPartitions.Add(ctx, int64(len(partitions)))
	c.metrics.rebalanceAssignments.Add(ctx, 1)

	if len(partitions) == 0 {
		c.logger.Info("got empty assignment: not enough partitions in the topic for all consumers?")
	} else {
		c.logger.Debug("partitions assigned", zap.Any("partitions", partitions))
		c.metrics.withAssignment.Add(ctx, 1)
	}

	if c.assigned {
		c.logger.DPanic("assignment received while one is already held")
	}

	c.assignment = append([]tablefeed.TopicPartition(nil), partitions...)
	c.assigned = true
	c.needsOffsetUpdate = true

	// Detach the partition queues right away, otherwise PollEvents could
	// start delivering data messages through the shared queue.
	c.rebuildQueues(partitions)
}

// onRevoked runs synchronously inside a polling call when this member leaves
// the group. Dropping the queue handles re-attaches each partition to the
// shared queue; a fresh assignment is required to get queues back.
func (c *Consumer) onRevoked(partitions []tablefeed.TopicPartition) {
	ctx := context.Background()
	c.metrics.assignedPartitions.Add(ctx, -int64(len(partitions)))
	c.metrics.rebalanceRevocations.Add(ctx, 1)

	c.logger.Debug("rebalance initiated, revoking partitions", zap.Any("partitions", partitions))
	if len(partitions) != 0 {
		c.metrics.withAssignment.Add(ctx, -1)
	}

	c.assignment = nil
	c.assigned = false
	c.needsOffsetUpdate = true
	c.queues = make(map[tablefeed.TopicPartition]Queue)
	// A buffered batch must not survive an assignment change: the same
	// partition could be reassigned with a different starting offset and
	// the stale batch silently resumed.
	c.messages = nil
	c.cursor = 0
}

func (c *Consumer) onRebalanceError(err error) {
	c.metrics.rebalanceErrors.Add(context.Background(), 1)
	c.logger.Error("rebalance error", zap.Error(err))
}

// rebuildQueues replaces the queue set with exactly the given partitions,
// discarding any buffered batch. Membership is restated explicitly because
// queue detachment is a side effect of per-partition queue acquisition, not
// of group membership alone.
func (c *Consumer) rebuildQueues(partitions []tablefeed.TopicPartition) {
	c.queues = make(map[tablefeed.TopicPartition]Queue, len(partitions))
	c.messages = nil
	c.cursor = 0
	if err := c.client.Assign(partitions); err != nil {
		c.logger.Error("failed to assign partitions", zap.Error(err))
		return
	}
	for _, tp := range partitions {
		c.queues[tp.WithoutOffset()] = c.client.PartitionQueue(tp)
	}
}

// UpdateOffsets injects authoritative starting offsets, recovered by the
// engine from durable storage, after an assignment change. It rebuilds the
// queue set positioned at the given offsets and clears NeedsOffsetUpdate.
func (c *Consumer) UpdateOffsets(partitions []tablefeed.TopicPartition) {
	c.rebuildQueues(partitions)
	c.needsOffsetUpdate = false
	c.stalled = NotStalled
}

// KafkaAssignment returns the currently owned partitions. The second return
// is false between assignments (revoked, or never assigned).
func (c *Consumer) KafkaAssignment() ([]tablefeed.TopicPartition, bool) {
	if !c.assigned {
		return nil, false
	}
	return c.assignment, true
}

// NeedsOffsetUpdate reports whether the assignment changed since the last
// UpdateOffsets call. While true, the broker-assigned starting offsets are
// not the ones the engine wants; Consume must not be trusted for
// exactly-once positioning.
func (c *Consumer) NeedsOffsetUpdate() bool { return c.needsOffsetUpdate }

// Stalled returns why the last Consume call produced nothing. NotStalled is
// the only state in which the previous call returned a usable payload.
func (c *Consumer) Stalled() StalledReason { return c.stalled }

// polledDataUnusable reports whether the buffered batch belongs to a
// different partition than the requested one, typically because assignment
// changed between pulls.
func (c *Consumer) polledDataUnusable(tp tablefeed.TopicPartition) bool {
	if c.cursor >= len(c.messages) {
		return false
	}
	return !c.messages[c.cursor].TopicPartition().SamePartition(tp)
}

// Consume returns the next payload for the given partition, pulling a new
// batch from its detached queue when the buffered one is exhausted. The
// second return is false when the call stalled; Stalled tells why.
//
// max bounds the pulled batch size; <= 0 uses the configured BatchSize. The
// returned slice aliases the fetched record and must be treated as
// read-only.
func (c *Consumer) Consume(tp tablefeed.TopicPartition, max int) ([]byte, bool) {
	if c.stopped.Load() {
		c.stalled = ConsumerStopped
		return nil, false
	}

	// A batch for another partition is unusable but not discarded: a later
	// call for the matching partition can still read it.
	if c.polledDataUnusable(tp) {
		return nil, false
	}

	if c.cursor < len(c.messages) {
		return c.nextMessage()
	}

	c.stalled = NoMessagesReturned

	queue, ok := c.queues[tp.WithoutOffset()]
	if !ok {
		c.logger.Error("consume on partition without a queue",
			zap.String("topic", tp.Topic), zap.Int32("partition", tp.Partition))
		return nil, false
	}
	if max <= 0 {
		max = c.batchSize
	}
	batch := queue.ConsumeBatch(max, c.pollTimeout)

	// The stop flag may have flipped while blocked in the pull.
	if c.stopped.Load() {
		c.stalled = ConsumerStopped
		return nil, false
	}
	if len(batch) == 0 {
		// No new data within the poll timeout.
		return nil, false
	}

	c.messages = batch
	c.cursor = 0
	c.filterMessageErrors()
	if len(c.messages) == 0 {
		c.logger.Error("only errors left in polled batch")
		c.stalled = ErrorsReturned
		return nil, false
	}
	c.metrics.messagesPolled.Add(context.Background(), int64(len(c.messages)))
	return c.nextMessage()
}

// nextMessage returns the payload under the cursor and advances it.
func (c *Consumer) nextMessage() ([]byte, bool) {
	if c.cursor >= len(c.messages) {
		return nil, false
	}
	msg := c.messages[c.cursor]
	c.cursor++
	c.stalled = NotStalled
	return msg.Value, true
}

// filterMessageErrors drops every message carrying a delivery error from the
// buffered batch. Removal invalidates the cursor, so it is reset to the
// start whenever anything was dropped.
func (c *Consumer) filterMessageErrors() int {
	kept := c.messages[:0]
	skipped := 0
	for _, msg := range c.messages {
		if msg.Err != nil {
			skipped++
			c.metrics.consumerErrors.Add(context.Background(), 1)
			c.logger.Error("consumer error",
				zap.Error(msg.Err),
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
			)
			continue
		}
		kept = append(kept, msg)
	}
	if skipped > 0 {
		c.logger.Error("dropped messages with delivery errors", zap.Int("count", skipped))
		c.messages = kept
		c.cursor = 0
	}
	return skipped
}

// PollEvents pumps the shared queue a bounded number of times, solely to run
// group-membership callbacks. With every assigned partition detached, a data
// message here means the detach invariant was broken by the underlying
// client.
func (c *Consumer) PollEvents() {
	for i := 0; i < eventPollTries; i++ {
		msg := c.client.Poll(eventPollTimeout)
		if msg == nil {
			return
		}
		c.metrics.consumerErrors.Add(context.Background(), 1)
		if msg.Err == nil {
			c.logger.DPanic("received a data message on the shared queue",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			continue
		}
		c.logger.Error("error while polling events", zap.Error(msg.Err))
	}
}

// Commit commits the offset carried by tp, retrying a bounded number of
// times. An exhausted retry budget is surfaced only through the
// commit-failure counter: a missed commit is recoverable from the engine's
// durably stored offsets and must never block the data path.
func (c *Consumer) Commit(ctx context.Context, tp tablefeed.TopicPartition) {
	logger := c.logger.With(
		zap.String("topic", tp.Topic),
		zap.Int32("partition", tp.Partition),
		zap.Int64("offset", tp.Offset),
	)
	logger.Debug("committing offset")

	committed := false
	for try := 0; try < commitRetries && !committed; try++ {
		// The broker may transiently reject a commit, e.g. when there are
		// not enough replicas for the offsets topic, or on connectivity
		// blips.
		err := c.client.Commit(ctx, []tablefeed.TopicPartition{tp})
		switch {
		case err == nil:
			committed = true
			logger.Info("committed offset")
		case errors.Is(err, ErrNoOffset):
			// Nothing to commit; retrying won't change that.
			committed = true
		default:
			logger.Warn("commit attempt failed", zap.Error(err))
		}
	}

	if !committed {
		c.metrics.commitFailures.Add(ctx, 1)
		logger.Info("all commit attempts failed")
		return
	}
	c.metrics.commits.Add(ctx, 1)
}

// PartitionCounts returns the partition count of each subscribed topic,
// best-effort: client errors are swallowed and yield a shorter (possibly
// empty) result.
func (c *Consumer) PartitionCounts(ctx context.Context) []tablefeed.TopicPartitionCount {
	metadata, err := c.client.Metadata(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch topic metadata", zap.Error(err))
		return nil
	}
	var counts []tablefeed.TopicPartitionCount
	for _, topic := range c.topics {
		if n, ok := metadata[topic]; ok {
			counts = append(counts, tablefeed.TopicPartitionCount{
				Topic:          topic,
				PartitionCount: n,
			})
		}
	}
	return counts
}

// Close unsubscribes and drains the shared queue before releasing the
// client. Teardown never fails: unsubscribe and drain errors are logged and
// swallowed.
func (c *Consumer) Close() error {
	if len(c.client.Subscription()) > 0 {
		if err := c.client.Unsubscribe(); err != nil {
			c.logger.Error("error during unsubscribe", zap.Error(err))
		}
		c.drainSharedQueue()
	}
	c.client.Close()
	return nil
}

// drainSharedQueue pumps the shared queue until it is empty, an error
// repeats twice in a row, or the drain budget is exceeded. Without this the
// underlying client can hang on teardown when queued event callbacks are
// never delivered after unsubscribe.
func (c *Consumer) drainSharedQueue() {
	start := time.Now()
	var lastErr error
	for {
		msg := c.client.Poll(drainPollTimeout)
		if msg == nil {
			return
		}
		if msg.Err != nil {
			if lastErr != nil && msg.Err.Error() == lastErr.Error() {
				return
			}
			c.logger.Error("error while draining", zap.Error(msg.Err))
		}
		lastErr = msg.Err
		if time.Since(start) > drainTimeout {
			c.logger.Error("timeout while draining")
			return
		}
	}
}
