// Package ipc exposes the daemon over JSON-RPC on a Unix domain socket and
// ships the matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs. Job
// payloads reuse the api package types so the socket and the HTTP view
// agree on field names. Job control methods accept an id or unique id
// prefix.
package ipc
