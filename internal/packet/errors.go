package packet

import "errors"

// ErrArgument marks a caller error: a buffer or address that doesn't match
// what a builder function requires (wrong address family, undersized
// payload, oversized header fields). These are programming bugs, not
// transient conditions — callers should fix the call site, not retry.
var ErrArgument = errors.New("packet: invalid argument")

// ErrParse marks a malformed probe CSV record. Logged and skipped by the
// prober loop's input reader; never fatal to the run.
var ErrParse = errors.New("packet: parse error")
