package metrics

import (
	"testing"
	"time"

	"contentdb/src/buffermgr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.QueriesTotal.WithLabelValues("blog", OutcomeOK).Inc()
	m.ReferencesResolved.Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("blog", OutcomeOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReferencesResolved))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.CyclesSkipped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesSkipped))
}

func TestRegisterBufferPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := buffermgr.NewBufferPool(2, zap.NewNop().Sugar())
	RegisterBufferPool(reg, pool)

	now := time.Now()
	pool.Put("/a", []byte("a"), 1, now)
	pool.Get("/a", 1, now)
	pool.Get("/b", 1, now)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}
