// Package metrics defines the Prometheus metrics exported by the recorder.
package metrics
