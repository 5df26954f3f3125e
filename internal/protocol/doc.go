// Package protocol implements the PCM datagram format accepted by the UDP
// source: an 8-byte big-endian header (type, length, channel count, sequence)
// followed by interleaved signed 16-bit little-endian samples.
package protocol
