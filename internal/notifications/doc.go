// Package notifications delivers pipeline progress events.
//
// Dispatcher implements inference.Sink: Emit queues the event on a bounded
// buffer and returns immediately, dropping the event when the buffer is full.
// A single goroutine drains the buffer into the configured notifiers. The
// log notifier is always present; the ntfy notifier is added when a topic is
// configured. Delivery errors are logged and never reach the pipeline.
package notifications
