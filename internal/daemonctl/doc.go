// Package daemonctl launches, stops and inspects the reel daemon process on
// behalf of the CLI.
package daemonctl
