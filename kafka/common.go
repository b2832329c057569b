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

// Package kafka provides the Kafka-facing layer of the tablefeed storage
// engine: a partition-cursor consumer that survives consumer-group
// rebalances, a feed producer, and the admin surface used to provision and
// monitor feed topics.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SASLMechanism type alias to sasl.Mechanism
type SASLMechanism = sasl.Mechanism

// CommonConfig defines common configuration for Kafka consumers, producers,
// and managers.
type CommonConfig struct {
	// Brokers is the list of kafka brokers used to seed the Kafka client.
	Brokers []string

	// ClientID to use when connecting to Kafka. This is used for logging
	// and client identification purposes.
	ClientID string

	// Version is the software version to use in the Kafka client. This is
	// useful since it shows up in Kafka metrics and logs.
	Version string

	// ConfigFile is an optional path to a YAML file holding broker and SASL
	// configuration, reloaded on broker connection failures. See
	// configfile.go for the schema.
	ConfigFile string

	// SASL configures the kgo.Client to use SASL authorization.
	SASL SASLMechanism

	// TLS configures the kgo.Client to use TLS for authentication.
	// This option conflicts with Dialer. Only one can be used.
	TLS *tls.Config

	// Dialer uses fn to dial addresses, overriding the default dialer that
	// uses a 10s dial timeout and no TLS (unless TLS option is set).
	//
	// The context passed to the dial function is the context used in the
	// request that caused the dial. If the request is a client-internal
	// request, the context is the context on the client itself (which is
	// canceled when the client is closed).
	// This option conflicts with TLS. Only one can be used.
	Dialer func(ctx context.Context, network, address string) (net.Conn, error)

	// Logger to use for any errors.
	Logger *zap.Logger

	// DisableTelemetry disables the OpenTelemetry hook.
	DisableTelemetry bool

	// TracerProvider allows specifying a custom otel tracer provider.
	// Defaults to the global one.
	TracerProvider trace.TracerProvider

	// MeterProvider allows specifying a custom otel meter provider.
	// Defaults to the global one.
	MeterProvider metric.MeterProvider

	hooks []kgo.Hook
}

// finalize fills unset fields from $KAFKA_* environment variables and from
// the optional config file, returning an error if the result is invalid.
func (cfg *CommonConfig) finalize() error {
	if cfg.Logger == nil {
		return errors.New("kafka: logger must be set")
	}
	env, err := loadEnvConfig(cfg.Logger, cfg.ConfigFile)
	if err != nil {
		return err
	}
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = env.brokers
	}
	if cfg.TLS == nil && cfg.Dialer == nil && !env.plainText {
		cfg.TLS = env.tls
	}
	if cfg.SASL == nil {
		cfg.SASL = env.sasl
	}
	if env.configFile != "" {
		hook, brokers, saslMechanism, err := newConfigFileHook(env.configFile, cfg.Logger)
		if err != nil {
			return err
		}
		if len(brokers) != 0 {
			cfg.Brokers = brokers
		}
		if saslMechanism != nil {
			cfg.SASL = saslMechanism
		}
		cfg.hooks = append(cfg.hooks, hook)
	}
	return cfg.Validate()
}

// Validate ensures the configuration is valid, otherwise, returns an error.
func (cfg CommonConfig) Validate() error {
	var errs []error
	if len(cfg.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker must be set"))
	}
	if cfg.Logger == nil {
		errs = append(errs, errors.New("kafka: logger must be set"))
	}
	if cfg.TLS != nil && cfg.Dialer != nil {
		errs = append(errs, errors.New("kafka: only one of TLS or Dialer can be set"))
	}
	return errors.Join(errs...)
}

func (cfg *CommonConfig) tracerProvider() trace.TracerProvider {
	if cfg.TracerProvider != nil {
		return cfg.TracerProvider
	}
	return otel.GetTracerProvider()
}

func (cfg *CommonConfig) meterProvider() metric.MeterProvider {
	if cfg.MeterProvider != nil {
		return cfg.MeterProvider
	}
	return otel.GetMeterProvider()
}

func (cfg *CommonConfig) newClient(additionalOpts ...kgo.Opt) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithLogger(kzap.New(cfg.Logger.Named("kafka"))),
		kgo.WithHooks(&loggerHook{logger: cfg.Logger}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
		if cfg.Version != "" {
			opts = append(opts, kgo.SoftwareNameAndVersion(
				cfg.ClientID, cfg.Version,
			))
		}
	}
	if cfg.Dialer != nil {
		opts = append(opts, kgo.Dialer(cfg.Dialer))
	} else if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS.Clone()))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}
	if !cfg.DisableTelemetry {
		kotelService := kotel.NewKotel(
			kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(cfg.tracerProvider()))),
			kotel.WithMeter(kotel.NewMeter(kotel.MeterProvider(cfg.meterProvider()))),
		)
		opts = append(opts, kgo.WithHooks(kotelService.Hooks()...))
	}
	if len(cfg.hooks) != 0 {
		opts = append(opts, kgo.WithHooks(cfg.hooks...))
	}
	opts = append(opts, additionalOpts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating kafka client: %w", err)
	}
	// Issue a metadata refresh request on construction, so the broker list
	// is populated.
	client.ForceMetadataRefresh()
	return client, nil
}
