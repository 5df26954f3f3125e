// Package postprocess refines finished segment files on a worker pool.
// Each job runs a fixed sequence of stages (normalize, trim, chunk filter)
// that rewrite the file through a temp sibling and an atomic rename.
package postprocess
