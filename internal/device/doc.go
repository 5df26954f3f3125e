// Package device defines the capture device contract and provides the
// sources the recorder can run without a sound card: a scripted synth, WAV
// file replay and a UDP PCM receiver.
package device
