package clickhouse

import (
	"testing"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverOptions(t *testing.T) {
	cfg := defaultClientConfig()
	for _, opt := range []ClientOption{
		WithHost("ch"),
		WithDatabase("fingate"),
		WithCredentials("default", "pw"),
		WithMaxExecutionTime(30 * time.Second),
		WithAsyncInsert(true, false),
		WithTimeouts(0, 20*time.Second),
	} {
		opt(&cfg)
	}

	o, err := cfg.driverOptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"ch:9000"}, o.Addr)
	assert.Equal(t, ch.Native, o.Protocol)
	assert.Equal(t, "fingate", o.Auth.Database)
	assert.Equal(t, "pw", o.Auth.Password)
	assert.Equal(t, 30, o.Settings["max_execution_time"])
	assert.Equal(t, 1, o.Settings["async_insert"])
	assert.NotContains(t, o.Settings, "wait_for_async_insert")
	assert.Equal(t, 5*time.Second, o.DialTimeout)
	assert.Equal(t, 20*time.Second, o.ReadTimeout)
}

func TestDriverOptionsHTTP(t *testing.T) {
	cfg := defaultClientConfig()
	WithHost("::1")(&cfg)
	WithPort(8123)(&cfg)
	WithHTTP(true)(&cfg)

	o, err := cfg.driverOptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"[::1]:8123"}, o.Addr)
	assert.Equal(t, ch.HTTP, o.Protocol)
	assert.Empty(t, o.Settings)
}

func TestNewClientRequiresHost(t *testing.T) {
	_, err := NewClient(WithPort(9000))
	assert.ErrorContains(t, err, "host is required")
}
