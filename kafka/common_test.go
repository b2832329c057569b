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
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

func init() {
	// Set plaintext as the default for all tests.
	// Individual tests may clear this.
	os.Setenv("KAFKA_PLAINTEXT", "true")
}

func TestCommonConfig(t *testing.T) {
	assertErrors := func(t *testing.T, cfg CommonConfig, errors ...string) {
		t.Helper()
		err := cfg.finalize()
		assert.EqualError(t, err, strings.Join(errors, "\n"))
	}

	t.Run("no logger", func(t *testing.T) {
		assertErrors(t, CommonConfig{}, "kafka: logger must be set")
	})

	t.Run("no brokers", func(t *testing.T) {
		assertErrors(t, CommonConfig{Logger: zap.NewNop()},
			"kafka: at least one broker must be set",
		)
	})

	t.Run("tls_or_dialer", func(t *testing.T) {
		assertErrors(t, CommonConfig{
			Brokers: []string{"broker"},
			Logger:  zap.NewNop(),
			TLS:     &tls.Config{},
			Dialer:  func(ctx context.Context, network, address string) (net.Conn, error) { panic("unreachable") },
		}, "kafka: only one of TLS or Dialer can be set")
	})

	t.Run("valid", func(t *testing.T) {
		cfg := CommonConfig{
			Brokers: []string{"broker"},
			Logger:  zap.NewNop(),
		}
		require.NoError(t, cfg.finalize())
		assert.Equal(t, []string{"broker"}, cfg.Brokers)
		assert.Nil(t, cfg.TLS)
	})

	t.Run("brokers_from_environment", func(t *testing.T) {
		t.Setenv("KAFKA_BROKERS", "a,b,c")
		cfg := CommonConfig{Logger: zap.NewNop()}
		require.NoError(t, cfg.finalize())
		assert.Equal(t, []string{"a", "b", "c"}, cfg.Brokers)
	})

	t.Run("saslplain_from_environment", func(t *testing.T) {
		// KAFKA_SASL_MECHANISM is inferred
		t.Setenv("KAFKA_USERNAME", "kafka_username")
		t.Setenv("KAFKA_PASSWORD", "kafka_password")
		cfg := CommonConfig{
			Brokers: []string{"broker"},
			Logger:  zap.NewNop(),
		}
		require.NoError(t, cfg.finalize())
		require.NotNil(t, cfg.SASL)
		assert.Equal(t, "PLAIN", cfg.SASL.Name())
		_, message, err := cfg.SASL.Authenticate(context.Background(), "host")
		require.NoError(t, err)
		assert.Equal(t, []byte("\x00kafka_username\x00kafka_password"), message)
	})

	t.Run("saslscram_from_environment", func(t *testing.T) {
		t.Setenv("KAFKA_SASL_MECHANISM", "SCRAM-SHA-256")
		t.Setenv("KAFKA_USERNAME", "kafka_username")
		t.Setenv("KAFKA_PASSWORD", "kafka_password")
		cfg := CommonConfig{
			Brokers: []string{"broker"},
			Logger:  zap.NewNop(),
		}
		require.NoError(t, cfg.finalize())
		require.NotNil(t, cfg.SASL)
		assert.Equal(t, "SCRAM-SHA-256", cfg.SASL.Name())
	})

	t.Run("tls_from_environment", func(t *testing.T) {
		// We set KAFKA_PLAINTEXT=true for all tests,
		// clear it out for this test.
		t.Setenv("KAFKA_PLAINTEXT", "")

		t.Run("plaintext", func(t *testing.T) {
			t.Setenv("KAFKA_PLAINTEXT", "true")
			cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
			require.NoError(t, cfg.finalize())
			assert.Nil(t, cfg.TLS)
		})

		t.Run("tls_default", func(t *testing.T) {
			cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
			require.NoError(t, cfg.finalize())
			require.NotNil(t, cfg.TLS)
			assert.False(t, cfg.TLS.InsecureSkipVerify)
		})

		t.Run("tls_insecure", func(t *testing.T) {
			t.Setenv("KAFKA_TLS_INSECURE", "true")
			cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
			require.NoError(t, cfg.finalize())
			require.NotNil(t, cfg.TLS)
			assert.True(t, cfg.TLS.InsecureSkipVerify)
		})

		t.Run("tls_insecure_with_cert", func(t *testing.T) {
			t.Setenv("KAFKA_TLS_INSECURE", "true")
			t.Setenv("KAFKA_TLS_CA_CERT_PATH", "/dev/null")
			cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
			assert.Error(t, cfg.finalize())
		})

		t.Run("tls_missing_ca_cert", func(t *testing.T) {
			t.Setenv("KAFKA_TLS_CA_CERT_PATH",
				filepath.Join(t.TempDir(), "nonexistent_cert.pem"))
			cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
			err := cfg.finalize()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "error reading CA cert")
		})

		t.Run("tls_invalid_ca_cert", func(t *testing.T) {
			tempFile := filepath.Join(t.TempDir(), "invalid_cert.pem")
			require.NoError(t, os.WriteFile(tempFile, []byte("invalid pem data"), 0644))
			t.Setenv("KAFKA_TLS_CA_CERT_PATH", tempFile)
			cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
			err := cfg.finalize()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "no certificates found")
		})
	})

	t.Run("brokers_from_configfile", func(t *testing.T) {
		configFilePath := writeConfigFile(t, `
bootstrap:
  servers: from_file`)
		cfg := CommonConfig{
			ConfigFile: configFilePath,
			Brokers:    []string{"from_caller"}, // ignored, file takes precedence
			Logger:     zap.NewNop(),
		}
		require.NoError(t, cfg.finalize())
		assert.Equal(t, []string{"from_file"}, cfg.Brokers)
	})

	t.Run("sasl_from_configfile", func(t *testing.T) {
		type mockSASL struct{ sasl.Mechanism }
		configFilePath := writeConfigFile(t, `
sasl:
  username: kafka_username
  password: kafka_password`)
		cfg := CommonConfig{
			ConfigFile: configFilePath,
			Brokers:    []string{"broker"},
			Logger:     zap.NewNop(),
			SASL:       &mockSASL{}, // ignored, file takes precedence
		}
		require.NoError(t, cfg.finalize())
		require.NotNil(t, cfg.SASL)
		assert.Equal(t, "PLAIN", cfg.SASL.Name())
		_, message, err := cfg.SASL.Authenticate(context.Background(), "host")
		require.NoError(t, err)
		assert.Equal(t, []byte("\x00kafka_username\x00kafka_password"), message)

		// sasl.username and sasl.password are reloaded from the config file
		// on every invocation of cfg.SASL.Authenticate.
		err = os.WriteFile(configFilePath, []byte(`
sasl:
  username: new_kafka_username
  password: new_kafka_password`), 0644)
		require.NoError(t, err)
		_, message, err = cfg.SASL.Authenticate(context.Background(), "host")
		require.NoError(t, err)
		assert.Equal(t, []byte("\x00new_kafka_username\x00new_kafka_password"), message)
	})
}

func TestCommonConfigFileHook(t *testing.T) {
	cluster, err := kfake.NewCluster()
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	configFilePath := writeConfigFile(t, `bootstrap: {servers: testing.invalid}`)
	cfg := CommonConfig{
		ConfigFile: configFilePath,
		Logger:     zap.NewNop(),
	}
	require.NoError(t, cfg.finalize())
	assert.Equal(t, []string{"testing.invalid"}, cfg.Brokers)

	client, err := cfg.newClient()
	require.NoError(t, err)
	defer client.Close()

	// Update the file, so that the seed brokers are updated when Ping is called.
	err = os.WriteFile(
		configFilePath,
		[]byte(fmt.Sprintf(`bootstrap: {servers: %q}`, strings.Join(cluster.ListenAddrs(), ","))),
		0644,
	)
	require.NoError(t, err)

	// The first Ping should fail because bootstrap.servers is initially invalid.
	err = client.Ping(context.Background())
	require.Error(t, err)

	// The hook should have been invoked, causing the config file to be reloaded
	// and bootstrap.servers to be reevaluated.
	err = client.Ping(context.Background())
	require.NoError(t, err)
}
