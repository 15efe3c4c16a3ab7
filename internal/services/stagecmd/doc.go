// Package stagecmd runs inference through external worker processes.
//
// A Worker is a long-lived process started as `command args... --kind <kind>`
// with the model options in the REEL_MODEL_CONFIG environment variable. On
// start it prints a hello line, {"ready":true,"size_bytes":N}. It then reads
// one JSON request per line on stdin,
//
//	{"id":1,"request":{"stage_kind":"transcribe","unit":0,...}}
//
// and answers each with one line on stdout,
//
//	{"id":1,"output":{...}}  or  {"id":1,"error":"...","retryable":true}
//
// Workers are the instances held by the model cache: Loader starts them and
// eviction closes them. A worker that dies or misses a call deadline is
// restarted on its next call.
//
// Router runs a one-shot command that reads job features on stdin and prints
// a skip plan.
package stagecmd
