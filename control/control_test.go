package control

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-tcp/api"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 2*time.Second, cfg.SendTimeout)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 4096, cfg.ReadBufferSize)
}

func TestValidateCollectsAllFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	cfg.ReadBufferSize = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.True(t, errors.Is(err, api.ErrGeneric))
}

func TestConfigStoreUpdateNotifies(t *testing.T) {
	cs, err := NewConfigStore(DefaultConfig())
	require.NoError(t, err)

	var seen []time.Duration
	cs.OnReload(func(c Config) { seen = append(seen, c.IdleTimeout) })

	require.NoError(t, cs.Update(func(c *Config) { c.IdleTimeout = time.Second }))
	assert.Equal(t, time.Second, cs.Get().IdleTimeout)

	require.Error(t, cs.Update(func(c *Config) { c.IdleTimeout = -1 }))
	assert.Equal(t, time.Second, cs.Get().IdleTimeout, "rejected update must not apply")
	assert.Equal(t, []time.Duration{time.Second}, seen)
}

func TestNewConfigStoreRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendTimeout = 0
	_, err := NewConfigStore(cfg)
	assert.Error(t, err)
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("test"), WithSubsystem("conn"))

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Received(10)
	m.Sent(7)
	m.Sent(-1)
	m.SendEventRegistered()
	m.SendEventDone()
	m.Error(api.NewError(api.KindRecvEOF, "eof"))
	m.Error(errors.New("plain"))
	m.Error(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnsActive))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.BytesIn))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesOut))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendEvents))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SendEventsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("recv_eof")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("generic")))

	n, err := testutil.GatherAndCount(reg, "test_conn_connections_opened_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed()
		m.Received(1)
		m.Sent(1)
		m.SendEventRegistered()
		m.SendEventDone()
		m.Error(api.ErrGeneric)
		m.ThreadStarted()
		m.ThreadStopped()
	})
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("answer", func() any { return 42 })
	state := dp.DumpState()
	assert.Equal(t, 42, state["answer"])
	assert.Contains(t, state, "platform.cpus")

	dp.UnregisterProbe("answer")
	assert.NotContains(t, dp.DumpState(), "answer")
}

func TestConfigureLogging(t *testing.T) {
	prev := logrus.GetLevel()
	defer logrus.SetLevel(prev)

	require.NoError(t, ConfigureLogging("debug"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	err := ConfigureLogging("loud")
	require.Error(t, err)
	assert.Equal(t, api.KindGeneric, api.KindOf(err))
}
