// Package deps reports whether the external binaries reel shells out to are
// installed.
package deps
