// Package registry maps request command names to program invocations.
//
// The table lives in a text file with one "name<TAB>invocation" entry per
// line. Blank lines and lines beginning with '#' are ignored, and a name with
// no tab registers a noop that succeeds without launching anything. The
// Registry reloads the file when it grows stale and briefly trusts a fresh
// table for misses so a burst of unknown names does not re-read the file.
package registry
