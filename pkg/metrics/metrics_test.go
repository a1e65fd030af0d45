package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesPrivateRegistry(t *testing.T) {
	a := New()
	b := New()

	a.ClientsRegistered.Inc()
	a.ClientsRegistered.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.ClientsRegistered))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ClientsRegistered))
}

func TestRequestCounters(t *testing.T) {
	m := New()

	m.RequestsTotal.WithLabelValues("register", "ok").Inc()
	m.RequestsTotal.WithLabelValues("register", "error").Inc()
	m.RequestsTotal.WithLabelValues("register", "ok").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("register", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("register", "error")))

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["relay_requests_total"])
	assert.True(t, names["go_goroutines"])
}
