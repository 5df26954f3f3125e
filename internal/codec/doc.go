// Package codec encodes and decodes segment files.
// It exposes the Factory used by the capture engine and the post-processing
// stages, and a streaming WAV implementation supporting 16 and 24-bit PCM and
// 32-bit float samples.
package codec
