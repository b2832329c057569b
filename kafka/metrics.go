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

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const (
	instrumentName = "github.com/tablefeed/tablefeed/kafka"

	unitCount = "1"

	assignedPartitionsKey   = "consumer.partitions.assigned"
	withAssignmentKey       = "consumer.assignment.active"
	rebalanceAssignmentsKey = "consumer.rebalance.assignments"
	rebalanceRevocationsKey = "consumer.rebalance.revocations"
	rebalanceErrorsKey      = "consumer.rebalance.errors"
	messagesPolledKey       = "consumer.messages.polled"
	consumerErrorsKey       = "consumer.errors"
	commitsKey              = "consumer.commits"
	commitFailuresKey       = "consumer.commit.failures"

	messageProducedCounterKey = "producer.messages.produced"
	messageErroredCounterKey  = "producer.messages.errored"
)

// consumerMetrics holds the cursor consumer's instruments. All are
// fire-and-forget observers; the consumer never reads them back.
type consumerMetrics struct {
	assignedPartitions   metric.Int64UpDownCounter
	withAssignment       metric.Int64UpDownCounter
	rebalanceAssignments metric.Int64Counter
	rebalanceRevocations metric.Int64Counter
	rebalanceErrors      metric.Int64Counter
	messagesPolled       metric.Int64Counter
	consumerErrors       metric.Int64Counter
	commits              metric.Int64Counter
	commitFailures       metric.Int64Counter
}

func newConsumerMetrics(mp metric.MeterProvider) (*consumerMetrics, error) {
	m := mp.Meter(instrumentName)
	var cm consumerMetrics
	var errs []error

	upDownCounter := func(dst *metric.Int64UpDownCounter, name, desc string) {
		c, err := m.Int64UpDownCounter(name,
			metric.WithDescription(desc), metric.WithUnit(unitCount),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot create %s metric: %w", name, err))
			return
		}
		*dst = c
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := m.Int64Counter(name,
			metric.WithDescription(desc), metric.WithUnit(unitCount),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot create %s metric: %w", name, err))
			return
		}
		*dst = c
	}

	upDownCounter(&cm.assignedPartitions, assignedPartitionsKey,
		"The number of partitions currently assigned to this consumer")
	upDownCounter(&cm.withAssignment, withAssignmentKey,
		"Whether this consumer currently holds a non-empty assignment")
	counter(&cm.rebalanceAssignments, rebalanceAssignmentsKey,
		"The number of assignment rebalance callbacks received")
	counter(&cm.rebalanceRevocations, rebalanceRevocationsKey,
		"The number of revocation rebalance callbacks received")
	counter(&cm.rebalanceErrors, rebalanceErrorsKey,
		"The number of rebalance protocol errors observed")
	counter(&cm.messagesPolled, messagesPolledKey,
		"The number of usable messages polled from partition queues")
	counter(&cm.consumerErrors, consumerErrorsKey,
		"The number of consumer errors observed: delivery errors filtered "+
			"out of polled batches and errors pulled from the shared event queue")
	counter(&cm.commits, commitsKey,
		"The number of successful offset commits")
	counter(&cm.commitFailures, commitFailuresKey,
		"The number of commits that exhausted their retry budget")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cm, nil
}

// metricHooks instruments the produce path of the feed producer.
type metricHooks struct {
	messageProduced metric.Int64Counter
	messageErrored  metric.Int64Counter
}

func newKgoHooks(mp metric.MeterProvider) (*metricHooks, error) {
	m := mp.Meter(instrumentName)

	messageProducedCounter, err := m.Int64Counter(
		messageProducedCounterKey,
		metric.WithDescription("The number of messages produced"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s metric: %w", messageProducedCounterKey, err)
	}

	messageErroredCounter, err := m.Int64Counter(
		messageErroredCounterKey,
		metric.WithDescription("The number of messages that failed to be produced"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s metric: %w", messageErroredCounterKey, err)
	}

	return &metricHooks{
		messageProduced: messageProducedCounter,
		messageErrored:  messageErroredCounter,
	}, nil
}

// https://pkg.go.dev/github.com/twmb/franz-go/pkg/kgo#HookProduceRecordUnbuffered
func (h *metricHooks) OnProduceRecordUnbuffered(r *kgo.Record, err error) {
	attrs := []attribute.KeyValue{
		semconv.MessagingDestinationName(r.Topic),
		semconv.MessagingKafkaDestinationPartition(int(r.Partition)),
	}
	if err != nil {
		errorType := attribute.String("error", "other")
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = attribute.String("error", "timeout")
		}
		if errors.Is(err, context.Canceled) {
			errorType = attribute.String("error", "canceled")
		}
		h.messageErrored.Add(context.Background(), 1,
			metric.WithAttributes(append(attrs, errorType)...),
		)
		return
	}
	h.messageProduced.Add(context.Background(), 1,
		metric.WithAttributes(attrs...),
	)
}
