// Command cadence prepares and runs media pipeline jobs and manages the
// baseline cache.
//
// Jobs run in the foreground: `cadence prepare` writes a job directory,
// `cadence run` and `cadence resume` execute it, and Ctrl-C stops the job at
// the next stage boundary so a later resume can continue it.
package main
