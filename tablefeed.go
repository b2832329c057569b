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

// Package tablefeed holds the broker-neutral types shared between the
// storage engine and the kafka package. The engine owns one or more cursor
// consumers (see the kafka package) and drives them on its own schedule;
// the types here identify what is being consumed.
package tablefeed

import (
	"fmt"
	"strings"
)

// Topic is the name of a feed topic.
type Topic string

// OffsetUnset marks a TopicPartition whose starting offset has not been
// injected yet. Partitions arrive from a rebalance with OffsetUnset and must
// not be read until the engine pushes authoritative offsets back in.
const OffsetUnset int64 = -1

// TopicPartition identifies one partition of a feed topic together with an
// offset. It is used both as an assignment-membership key and as a
// queue-lookup key; the offset participates in ordering and logging but not
// in partition identity (see SamePartition).
type TopicPartition struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Compare orders topic partitions lexicographically by
// (topic, partition, offset). It returns -1, 0 or 1.
func (tp TopicPartition) Compare(other TopicPartition) int {
	if c := strings.Compare(tp.Topic, other.Topic); c != 0 {
		return c
	}
	if tp.Partition != other.Partition {
		if tp.Partition < other.Partition {
			return -1
		}
		return 1
	}
	if tp.Offset != other.Offset {
		if tp.Offset < other.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether tp orders before other.
func (tp TopicPartition) Less(other TopicPartition) bool {
	return tp.Compare(other) < 0
}

// SamePartition reports whether both values identify the same topic and
// partition, ignoring the offset.
func (tp TopicPartition) SamePartition(other TopicPartition) bool {
	return tp.Topic == other.Topic && tp.Partition == other.Partition
}

// WithoutOffset returns the bare partition identity, with the offset
// cleared. Two TopicPartitions identifying the same partition at different
// offsets map to the same WithoutOffset value, which makes it usable as a
// map key for per-partition state.
func (tp TopicPartition) WithoutOffset() TopicPartition {
	tp.Offset = OffsetUnset
	return tp
}

// String returns "topic[partition]@offset", or "topic[partition]" when the
// offset is unset.
func (tp TopicPartition) String() string {
	if tp.Offset == OffsetUnset {
		return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
	}
	return fmt.Sprintf("%s[%d]@%d", tp.Topic, tp.Partition, tp.Offset)
}

// TopicPartitionCount holds the number of partitions of a feed topic.
type TopicPartitionCount struct {
	Topic          string
	PartitionCount int
}
