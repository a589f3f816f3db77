package mesh

import (
	"errors"
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// process wide counters of all managers
var (
	connectionsOpened = metrics.NewCounter("kvmesh_connections_opened_total")
	connectionsClosed = metrics.NewCounter("kvmesh_connections_closed_total")
	messagesSent      = metrics.NewCounter("kvmesh_messages_sent_total")
	messagesReceived  = metrics.NewCounter("kvmesh_messages_received_total")
	bytesSent         = metrics.NewCounter("kvmesh_bytes_sent_total")
	bytesReceived     = metrics.NewCounter("kvmesh_bytes_received_total")
	bootstrapDuration = metrics.NewHistogram("kvmesh_bootstrap_duration_seconds")
)

// bootstrapFailures returns the failure counter of the stage err occurred in
func bootstrapFailures(err error) *metrics.Counter {
	stage := "unknown"
	var se *SetupError
	if errors.As(err, &se) {
		stage = string(se.Stage)
	}
	return metrics.GetOrCreateCounter(fmt.Sprintf(`kvmesh_bootstrap_failures_total{stage=%q}`, stage))
}

// WritePrometheus writes the kvmesh and process metrics in Prometheus text format
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
