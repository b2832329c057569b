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
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/tablefeed/tablefeed"
)

// CompactedConfig holds the configuration for a compacted-topic consumer.
type CompactedConfig struct {
	CommonConfig
	// Topic is the compacted topic to consume. Required.
	Topic tablefeed.Topic
	// Processor is called with every fetched batch. Errors are non-fatal:
	// a compacted topic retains the latest record per key, so a failed
	// batch is superseded by a later one rather than replayed.
	Processor func(context.Context, *kgo.FetchesRecordIter) error
	// FetchMaxWait bounds how long a fetch waits for records.
	FetchMaxWait time.Duration
	// MinFetchSize is the minimum number of bytes to fetch in a single
	// request.
	MinFetchSize int32
}

func (cfg *CompactedConfig) finalize() error {
	var errs []error
	if err := cfg.CommonConfig.finalize(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Topic == "" {
		errs = append(errs, errors.New("kafka: topic must be set for compacted consumer"))
	}
	if cfg.Processor == nil {
		errs = append(errs, errors.New("kafka: processor must be set for compacted consumer"))
	}
	return errors.Join(errs...)
}

// CompactedConsumer tails a compacted feed topic from the start, outside of
// any consumer group. The engine keeps per-feed state (schemas, routing,
// recovery offsets) in compacted topics; this consumer replays the retained
// latest-per-key records on startup and then follows new writes.
//
// Healthy reports readiness only after the first full sync, when the
// consumer has caught up to the high watermark of every partition it read.
type CompactedConsumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	process func(context.Context, *kgo.FetchesRecordIter) error
	topic   string
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	started chan struct{}
	stopped chan struct{}
	// syncDelta counts the records still missing for a full sync.
	syncDelta atomic.Int64
	synced    chan struct{}
}

// NewCompactedConsumer creates a consumer for a compacted feed topic.
func NewCompactedConsumer(cfg CompactedConfig) (*CompactedConsumer, error) {
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid compacted consumer config: %w", err)
	}
	opts := []kgo.Opt{
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumeTopics(string(cfg.Topic)),
	}
	if cfg.FetchMaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(cfg.FetchMaxWait))
	}
	if cfg.MinFetchSize > 0 {
		opts = append(opts, kgo.FetchMinBytes(cfg.MinFetchSize))
	}
	client, err := cfg.newClient(opts...)
	if err != nil {
		return nil, err
	}

	c := CompactedConsumer{
		client:  client,
		logger:  cfg.Logger.Named("compacted").With(zap.String("topic", string(cfg.Topic))),
		process: cfg.Processor,
		topic:   string(cfg.Topic),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		synced:  make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return &c, nil
}

// Run starts fetching in a background goroutine. It returns once the
// goroutine is running; fetching continues until Close. Calling Run on a
// running consumer is a no-op.
func (c *CompactedConsumer) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopped:
		return errors.New("kafka: compacted consumer already stopped")
	default:
	}
	select {
	case <-c.started:
		return nil
	default:
	}

	go func() {
		defer close(c.stopped)
		close(c.started)
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
				c.consume(c.ctx)
			}
		}
	}()
	select {
	case <-c.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CompactedConsumer) consume(ctx context.Context) {
	fetches := c.client.PollRecords(c.ctx, -1)
	if fetches.IsClientClosed() {
		c.logger.Info("kafka client closed, stopping fetch")
		return
	}
	if err := fetches.Err0(); errors.Is(err, context.Canceled) {
		c.logger.Info("context canceled, stopping fetch")
		return
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		c.logger.Error("fetch returned errors",
			zap.Error(err),
			zap.String("topic", topic),
			zap.Int32("partition", partition),
		)
	})
	if fetches.Empty() {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Until the first full sync, record the last offset and the high
	// watermark of each partition in this fetch.
	var hwm, lastRecord map[int32]int64
	select {
	case <-c.synced:
	default:
		hwm = make(map[int32]int64)
		lastRecord = make(map[int32]int64)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			hwm[p.Partition] = p.HighWatermark
			lastRecord[p.Partition] = p.Records[len(p.Records)-1].Offset
		})
	}

	if err := c.process(ctx, fetches.RecordIter()); err != nil {
		c.logger.Error("error processing records",
			zap.Error(err),
			zap.Int("num_records", fetches.NumRecords()),
		)
	}
	select {
	case <-c.synced:
		return
	default:
	}
	// Check whether this fetch reached the high watermark of every
	// partition it touched.
	var delta int64
	allSynced := true
	for partition, offset := range lastRecord {
		offset++ // The high watermark points at the next offset.
		if hwm[partition] != offset {
			allSynced = false
			delta += hwm[partition] - offset
		}
	}
	c.syncDelta.Store(delta)
	if allSynced {
		close(c.synced)
	}
}

// Close stops the consumer and closes the underlying client. It blocks until
// the fetch goroutine exits.
func (c *CompactedConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.started:
	default:
		return nil
	}
	select {
	case <-c.stopped:
		return nil
	default:
	}
	c.cancel()
	c.client.Close()
	<-c.stopped
	return nil
}

// Healthy returns nil once the consumer has completed its first full sync
// and the underlying client can reach a broker. It can serve as a readiness
// probe: the engine must not trust feed state before the sync completes.
func (c *CompactedConsumer) Healthy(ctx context.Context) error {
	select {
	case <-c.started:
	default:
		return errors.New("kafka: compacted consumer not started")
	}

	select {
	case <-c.synced:
		return c.client.Ping(ctx)
	case <-ctx.Done():
		return fmt.Errorf(
			"health probe: consumer not fully synced, %d records remaining: %w",
			c.syncDelta.Load(), ctx.Err(),
		)
	}
}
