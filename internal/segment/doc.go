// Package segment writes captured audio to numbered files off the capture
// goroutine.
package segment
