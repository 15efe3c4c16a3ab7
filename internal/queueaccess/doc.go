// Package queueaccess lets CLI queue commands work whether or not the
// daemon is running: calls go over IPC when the socket answers and straight
// to the queue database otherwise.
package queueaccess
