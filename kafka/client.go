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
	"time"

	"github.com/tablefeed/tablefeed"
)

// ErrNoOffset is returned by Client.Commit when there is no offset to commit
// for any of the given partitions. The commit loop treats it as success.
var ErrNoOffset = errors.New("kafka: no offset to commit")

// Message is a single raw record pulled from a queue. Either Err is set, or
// Value holds the record payload.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Value     []byte
	Err       error
}

// TopicPartition returns the partition identity of the message, including
// its offset.
func (m Message) TopicPartition() tablefeed.TopicPartition {
	return tablefeed.TopicPartition{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
}

// Queue is a detached per-partition receive queue. While a partition owns a
// Queue, the client's shared queue will not deliver that partition's
// messages; they must be pulled here.
type Queue interface {
	// ConsumeBatch pulls up to max messages from the partition, waiting up
	// to timeout for the first one. An empty result means no new data
	// arrived within the timeout.
	ConsumeBatch(max int, timeout time.Duration) []Message
}

// RebalanceCallbacks are invoked synchronously from within a Poll or
// ConsumeBatch call on the client whenever consumer-group membership
// changes. They complete before the polling call returns.
type RebalanceCallbacks struct {
	// Assigned is called when the group coordinator hands this consumer a
	// new partition set. Offsets are tablefeed.OffsetUnset.
	Assigned func(partitions []tablefeed.TopicPartition)
	// Revoked is called when the current partition set is taken away.
	Revoked func(partitions []tablefeed.TopicPartition)
	// Error is called for group/rebalance protocol errors.
	Error func(err error)
}

// Client is the narrow broker capability the cursor consumer drives. It
// corresponds to a consumer-group member of a Kafka-style partitioned log.
//
// Client implementations are not required to be safe for concurrent use;
// the cursor consumer drives a Client from a single goroutine.
type Client interface {
	// Subscribe joins the consumer group for the given topics.
	Subscribe(topics []string) error
	// Unsubscribe leaves the consumer group.
	Unsubscribe() error
	// Subscription returns the currently subscribed topics, nil when not
	// subscribed.
	Subscription() []string

	// SetRebalanceCallbacks registers the group-membership callbacks. Must
	// be called before Subscribe.
	SetRebalanceCallbacks(cbs RebalanceCallbacks)

	// Assign restates the exact partition set owned by this consumer, with
	// offsets where known. Restating membership is what allows partition
	// queues to be detached from the shared queue.
	Assign(partitions []tablefeed.TopicPartition) error
	// PartitionQueue returns the detached queue for the partition. The
	// partition must be part of the current Assign set.
	PartitionQueue(tp tablefeed.TopicPartition) Queue

	// Poll pulls one message from the shared queue, pumping group-membership
	// callbacks as a side effect. Returns nil when nothing arrived within
	// the timeout. With all assigned partitions detached, any non-nil
	// message carries either an error or a broken detach invariant.
	Poll(timeout time.Duration) *Message

	// Metadata returns the partition count per topic.
	Metadata(ctx context.Context) (map[string]int, error)

	// Commit commits the offsets carried by the given partitions to the
	// consumer group. Returns ErrNoOffset when there is nothing to commit.
	Commit(ctx context.Context, partitions []tablefeed.TopicPartition) error

	// Close releases the client. Unsubscribe and drain first; see
	// Consumer.Close.
	Close()
}
