// Package server implements the HTTP API of the recorder: health, engine
// status, waveform preview, monitoring mute, the segment catalog and
// Prometheus metrics. /ws/preview streams status and peaks over a websocket.
package server
