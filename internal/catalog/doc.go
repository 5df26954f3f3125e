// Package catalog persists every recorded segment and its post-processing
// outcome in a local SQLite database.
//
// Rows move through recording, then discarded, finished or failed when the
// segment closes, and finally processed, deleted or process_failed once its
// post-processing job completes.
package catalog
