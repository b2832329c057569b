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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tablefeed/tablefeed"
)

func TestNewCompactedConsumer(t *testing.T) {
	_, commonCfg := newFakeCluster(t)

	testCases := map[string]struct {
		cfg       CompactedConfig
		expectErr bool
	}{
		"empty": {
			cfg:       CompactedConfig{},
			expectErr: true,
		},
		"missing topic": {
			cfg: CompactedConfig{
				CommonConfig: commonCfg,
				Processor:    func(context.Context, *kgo.FetchesRecordIter) error { return nil },
			},
			expectErr: true,
		},
		"missing processor": {
			cfg: CompactedConfig{
				CommonConfig: commonCfg,
				Topic:        "feed-state",
			},
			expectErr: true,
		},
		"valid": {
			cfg: CompactedConfig{
				CommonConfig: commonCfg,
				Topic:        "feed-state",
				FetchMaxWait: 100 * time.Millisecond,
				MinFetchSize: 1 << 10,
				Processor:    func(context.Context, *kgo.FetchesRecordIter) error { return nil },
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			consumer, err := NewCompactedConsumer(tc.cfg)
			if tc.expectErr {
				require.Error(t, err)
				require.Nil(t, consumer)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, consumer)
			assert.NoError(t, consumer.Close())
		})
	}
}

// newCompactedCluster starts a kfake cluster holding one compacted topic and
// returns it together with a producer client.
func newCompactedCluster(t testing.TB, topic string) (*kfake.Cluster, *kgo.Client) {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	client, err := kgo.NewClient(kgo.SeedBrokers(cluster.ListenAddrs()...))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	resp, err := kadm.NewClient(client).CreateTopic(context.Background(), 1, 1,
		map[string]*string{"cleanup.policy": kadm.StringPtr("compact")}, topic,
	)
	require.NoError(t, err)
	require.NoError(t, resp.Err, resp.ErrMessage)
	return cluster, client
}

func TestCompactedConsumerSync(t *testing.T) {
	topic := tablefeed.Topic("feed-state")
	cluster, producer := newCompactedCluster(t, string(topic))

	var processed atomic.Int32
	var mu sync.Mutex
	state := make(map[string]string)
	consumer, err := NewCompactedConsumer(CompactedConfig{
		CommonConfig: CommonConfig{
			Brokers: cluster.ListenAddrs(),
			Logger:  zapTest(t),
		},
		Topic:        topic,
		FetchMaxWait: 100 * time.Millisecond,
		Processor: func(_ context.Context, iter *kgo.FetchesRecordIter) error {
			for !iter.Done() {
				record := iter.Next()
				mu.Lock()
				state[string(record.Key)] = string(record.Value)
				mu.Unlock()
				processed.Add(1)
			}
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, consumer.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Not started yet.
	assert.Error(t, consumer.Healthy(ctx))
	require.NoError(t, consumer.Run(ctx))

	// Nothing fetched yet: the first full sync is still pending.
	healthCtx, healthCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer healthCancel()
	assert.EqualError(t, consumer.Healthy(healthCtx),
		"health probe: consumer not fully synced, 0 records remaining: context deadline exceeded",
	)

	// Two updates for the same key plus one other key.
	for _, record := range []*kgo.Record{
		{Topic: string(topic), Key: []byte("events"), Value: []byte(`{"ver":1}`)},
		{Topic: string(topic), Key: []byte("events"), Value: []byte(`{"ver":2}`)},
		{Topic: string(topic), Key: []byte("metrics"), Value: []byte(`{"ver":1}`)},
	} {
		require.NoError(t, producer.ProduceSync(ctx, record).FirstErr())
	}

	require.Eventually(t, func() bool {
		return processed.Load() == 3
	}, 10*time.Second, 10*time.Millisecond)
	// Caught up with the high watermark: ready.
	require.Eventually(t, func() bool {
		return consumer.Healthy(ctx) == nil
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{
		"events":  `{"ver":2}`,
		"metrics": `{"ver":1}`,
	}, state)
}

func TestCompactedConsumerProcessorError(t *testing.T) {
	topic := "feed-state"
	cluster, producer := newCompactedCluster(t, topic)

	processorErr := errors.New("unparsable state record")
	core, observedLogs := observer.New(zapcore.ErrorLevel)
	consumer, err := NewCompactedConsumer(CompactedConfig{
		CommonConfig: CommonConfig{
			Brokers: cluster.ListenAddrs(),
			Logger:  zap.New(core),
		},
		Topic:        tablefeed.Topic(topic),
		FetchMaxWait: 100 * time.Millisecond,
		Processor: func(context.Context, *kgo.FetchesRecordIter) error {
			return processorErr
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, consumer.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, consumer.Run(ctx))

	require.NoError(t, producer.ProduceSync(ctx, &kgo.Record{
		Topic: topic, Key: []byte("events"), Value: []byte("garbage"),
	}).FirstErr())

	// Processor errors are logged and do not stop the consumer.
	require.Eventually(t, func() bool {
		entries := observedLogs.FilterMessage("error processing records").TakeAll()
		if len(entries) == 0 {
			return false
		}
		entry := entries[0]
		assert.Equal(t, zapcore.ErrorLevel, entry.Level)
		assert.Equal(t, processorErr.Error(), entry.ContextMap()["error"])
		assert.Equal(t, topic, entry.ContextMap()["topic"])
		return true
	}, 10*time.Second, 50*time.Millisecond)
}

func TestCompactedConsumerStartStop(t *testing.T) {
	cluster, _ := newCompactedCluster(t, "feed-state")

	consumer, err := NewCompactedConsumer(CompactedConfig{
		CommonConfig: CommonConfig{
			Brokers: cluster.ListenAddrs(),
			Logger:  zapTest(t),
		},
		Topic:        "feed-state",
		FetchMaxWait: 100 * time.Millisecond,
		Processor:    func(context.Context, *kgo.FetchesRecordIter) error { return nil },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, consumer.Run(ctx))
	assert.NoError(t, consumer.Run(ctx))

	require.NoError(t, consumer.Close())
	assert.NoError(t, consumer.Close())

	assert.Error(t, consumer.Run(ctx))
}
