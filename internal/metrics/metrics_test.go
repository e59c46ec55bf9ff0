package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordEvent(t *testing.T) {
	before := testutil.ToFloat64(routerEvents.WithLabelValues("join", OutcomeAccepted))
	RecordEvent("join", OutcomeAccepted)
	RecordEvent("join", OutcomeAccepted)
	after := testutil.ToFloat64(routerEvents.WithLabelValues("join", OutcomeAccepted))

	assert.Equal(t, before+2, after)
}

func TestSetPresence(t *testing.T) {
	SetPresence(3, 7)

	assert.Equal(t, 3.0, testutil.ToFloat64(presenceDocuments))
	assert.Equal(t, 7.0, testutil.ToFloat64(presenceSessions))
}

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}
