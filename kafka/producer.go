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

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tablefeed/tablefeed"
	"github.com/tablefeed/tablefeed/feedcontext"
)

// CompressionCodec configures how records are compressed before being sent.
// Type alias to kgo.CompressionCodec.
type CompressionCodec = kgo.CompressionCodec

// NoCompression is a compression option that avoids compression. This can
// always be used as a fallback compression.
func NoCompression() CompressionCodec { return kgo.NoCompression() }

// GzipCompression enables gzip compression with the default compression level.
func GzipCompression() CompressionCodec { return kgo.GzipCompression() }

// SnappyCompression enables snappy compression.
func SnappyCompression() CompressionCodec { return kgo.SnappyCompression() }

// Lz4Compression enables lz4 compression with the fastest compression level.
func Lz4Compression() CompressionCodec { return kgo.Lz4Compression() }

// ZstdCompression enables zstd compression with the default compression level.
func ZstdCompression() CompressionCodec { return kgo.ZstdCompression() }

// ProducerConfig holds configuration for publishing rows to feed topics.
type ProducerConfig struct {
	CommonConfig

	// Sync can be used to indicate whether production should be synchronous.
	Sync bool

	// CompressionCodec specifies a list of compression codecs.
	// See kgo.ProducerBatchCompression for more details.
	CompressionCodec []CompressionCodec
}

// Validate checks that cfg is valid, and returns an error otherwise.
func (cfg ProducerConfig) Validate() error {
	return cfg.CommonConfig.Validate()
}

// Producer publishes engine rows to feed topics. It is the write half of the
// feed layer: the engine's INSERT path hands serialized rows to Produce.
type Producer struct {
	cfg    ProducerConfig
	logger *zap.Logger
	client *kgo.Client
	tracer trace.Tracer

	// Guards against Close closing the client mid-produce.
	mu sync.RWMutex
}

// NewProducer returns a new Producer with the given config.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if err := cfg.CommonConfig.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid producer config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid producer config: %w", err)
	}

	var opts []kgo.Opt
	if len(cfg.CompressionCodec) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.CompressionCodec...))
	}
	hooks, err := newKgoHooks(cfg.meterProvider())
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating producer metric hooks: %w", err)
	}
	opts = append(opts, kgo.WithHooks(hooks))

	client, err := cfg.newClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating producer: %w", err)
	}
	return &Producer{
		cfg:    cfg,
		logger: cfg.Logger.Named("producer"),
		client: client,
		tracer: cfg.tracerProvider().Tracer("kafka"),
	}, nil
}

// Close stops the producer.
//
// This call is blocking and will cause all the underlying clients to stop
// producing. If producing is asynchronous, it'll block until all messages
// have been produced. After Close() is called, Producer cannot be reused.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.Close()
	return nil
}

// Produce publishes the given payloads to a feed topic. If the producer is
// synchronous, it waits until every payload has been acknowledged by the
// broker and returns the first delivery error, if any. Otherwise it returns
// as soon as the payloads are buffered, and delivery errors are logged and
// counted through the producer metrics.
func (p *Producer) Produce(ctx context.Context, topic tablefeed.Topic, payloads ...[]byte) error {
	ctx, span := p.tracer.Start(ctx, "producer.Produce", trace.WithAttributes(
		attribute.String("topic", string(topic)),
		attribute.Int("payload.count", len(payloads)),
	))
	defer span.End()

	// Take a read lock to prevent Close from closing the client while
	// records are in flight.
	p.mu.RLock()
	defer p.mu.RUnlock()

	var headers []kgo.RecordHeader
	if meta, ok := feedcontext.MetadataFromContext(ctx); ok {
		headers = make([]kgo.RecordHeader, 0, len(meta))
		for k, v := range meta {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var produceErrs []error
	wg.Add(len(payloads))
	for _, payload := range payloads {
		record := &kgo.Record{
			Topic:   string(topic),
			Value:   payload,
			Headers: headers,
		}
		produceCtx := ctx
		if !p.cfg.Sync {
			// Detach the produce from the caller's deadline or
			// cancellation; buffered records survive the caller.
			produceCtx = feedcontext.DetachedContext(ctx)
		}
		p.client.Produce(produceCtx, record, func(r *kgo.Record, err error) {
			defer wg.Done()
			if err == nil {
				return
			}
			p.logger.Error("failed producing message",
				zap.Error(err),
				zap.String("topic", r.Topic),
				zap.Int32("partition", r.Partition),
				zap.Int64("offset", r.Offset),
			)
			mu.Lock()
			produceErrs = append(produceErrs, err)
			mu.Unlock()
		})
	}
	if !p.cfg.Sync {
		return nil
	}
	wg.Wait()
	if err := errors.Join(produceErrs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("kafka: failed producing %d records: %w", len(produceErrs), err)
	}
	return nil
}

// Healthy returns an error if the Kafka client fails to reach a discovered
// broker.
func (p *Producer) Healthy(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}
