// Package audio holds the in-memory audio primitives of the recorder.
// It defines the channel-major Block handed over by capture devices, the
// fixed-capacity pre-roll ring with a running RMS level, and the min/max
// waveform preview served to monitoring clients.
package audio
