// Package daemon coordinates the long-running reel process.
//
// It assembles the queue, checkpoint store, model cache, stage pipeline and
// engine into a single lifecycle guarded by a flock so only one instance
// runs against a data directory. The daemon also owns the inbox watcher that
// submits media dropped into the inbox folder, and the HTTP listener serving
// Prometheus metrics and a read-only JSON view of the queue.
//
// Control operations (submit, cancel, pause, cache maintenance) are exposed
// as methods here and reached remotely through internal/ipc.
package daemon
