//go:build fastbindebug

package fastbin

// debugChecks gates the per-call equivalence assertion against the
// reference division. This file is selected by -tags fastbindebug.
const debugChecks = true
