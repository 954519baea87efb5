package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(reservationsCreated.WithLabelValues("conflict"))
	IncReservationCreated("conflict")
	assert.Equal(t, before+1, testutil.ToFloat64(reservationsCreated.WithLabelValues("conflict")))

	before = testutil.ToFloat64(eventsDropped)
	IncEventDropped()
	assert.Equal(t, before+1, testutil.ToFloat64(eventsDropped))

	before = testutil.ToFloat64(reservationsCancelled)
	IncReservationCancelled()
	assert.Equal(t, before+1, testutil.ToFloat64(reservationsCancelled))
}
