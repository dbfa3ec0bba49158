package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Drop(DropMissingClient)
	m.Drop(DropMissingClient)
	m.Messages.WithLabelValues(DirectionInbound).Inc()
	m.RoomsActive.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dropped.WithLabelValues(DropMissingClient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoomsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
	assert.NotPanics(t, func() { Discard(); Discard() })
}
