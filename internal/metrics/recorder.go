package metrics

import (
	"strconv"
	"time"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordHandshakeStep records one handshake transition attempt.
func (r *Recorder) RecordHandshakeStep(step string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	HandshakeStepsTotal.WithLabelValues(step, outcome).Inc()
}

// RecordSignedRequest records an authenticated API call.
func (r *Recorder) RecordSignedRequest(method string, status int) {
	SignedRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RecordLSTDerivation records a live session token derivation.
// trigger is "handshake" for the initial flow or "rederive" for a
// 401-driven refresh.
func (r *Recorder) RecordLSTDerivation(trigger string) {
	LSTDerivationsTotal.WithLabelValues(trigger).Inc()
}

// RecordVerificationMismatch records a server LST signature mismatch.
func (r *Recorder) RecordVerificationMismatch() {
	VerificationMismatchesTotal.Inc()
}

// RecordSessionState records whether the session is initialized.
func (r *Recorder) RecordSessionState(authenticated bool) {
	if authenticated {
		SessionAuthenticated.Set(1)
	} else {
		SessionAuthenticated.Set(0)
	}
}

// RecordRequestLatency records latency of one signed call.
func (r *Recorder) RecordRequestLatency(method string, d time.Duration) {
	RequestLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordTokenStoreWrite records a persistence attempt.
func (r *Recorder) RecordTokenStoreWrite(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	TokenStoreWritesTotal.WithLabelValues(outcome).Inc()
}
