// Command reel is the command-line client for the reel transcription daemon.
//
// It submits media files, inspects and controls queued jobs, manages the
// shared model cache and the speaker identity store, tails logs, and
// starts or stops the daemon process. Queue inspection keeps working when
// the daemon is down by reading the queue database directly.
package main
