// Package capture turns a device stream into silence-separated segment files.
//
// The Engine receives blocks on the device's capture goroutine, keeps a
// pre-roll window of the most recent audio and runs the silence detector
// over it. When sound starts, the window is flushed into the current segment
// so the file begins before the onset. When the window falls silent, the
// driver loop closes the segment and opens the next one. Closed segments
// are reported to a Listener, which hands them to post-processing.
package capture
