// Package vad provides the RMS silence detector that drives segment
// boundaries. It turns a stream of window levels into Silent/Active
// transitions and tells the caller when to flush pre-roll history and when
// to restart the segment.
package vad
