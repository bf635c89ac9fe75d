// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — cold-path diagnostic logging (no fmt)
//
// Purpose:
//   - Logs infrequent error and lifecycle paths; each call allocates only
//     the concatenated line.
//   - Used only in cold paths: stream faults, replay open/close, fence
//     diagnostics, shutdown traces.
//
// Notes:
//   - Avoids fmt.Sprintf to minimize footprint and latency.
//   - Plain string concatenation, direct stderr write, no interfaces.
//
// ⚠️ Never invoke in dispatch loops — use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import "tagstream/utils"

// DropError logs an error with its message prefix, or just the prefix
// when err is nil (tagged warnings).
//
//go:inline
func DropError(prefix string, err error) {
	if err != nil {
		utils.PrintWarning(prefix + ": " + err.Error() + "\n")
	} else {
		utils.PrintWarning(prefix + "\n")
	}
}

// DropMessage logs a tagged debug message. Used for lifecycle traces,
// replay progress, and infrequent state changes.
//
//go:inline
func DropMessage(prefix, message string) {
	utils.PrintWarning(prefix + ": " + message + "\n")
}
