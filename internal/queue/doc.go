// Package queue persists pipeline jobs in SQLite and exposes the scheduler
// operations that drive their lifecycle.
//
// The Store manages database connections, schema initialization, atomic
// dequeue (Next), cooperative cancel and pause flags, heartbeat tracking, and
// crash recovery. A job row mirrors the engine's view of progress (stage index
// and checkpoint cursor); the checkpoint store remains the authority on
// resume points.
//
// The database is treated as operational state for in-flight and recent jobs
// rather than a long-term archive. Schema changes bump the version in
// schema.go; users clear the database to adopt the new schema.
package queue
