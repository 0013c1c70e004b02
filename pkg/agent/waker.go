package agent

// Waker restores a minimized host window so its main loop keeps ticking,
// then puts it back. On platforms without window-level throttling all
// operations are no-ops and main-thread work waits for the next natural
// tick.
type Waker interface {
	// Initialize captures the host's top-level window handle. Idempotent
	// across reloads.
	Initialize()

	// WakeIfMinimized restores the host window if it is minimized,
	// remembering the previously focused window and setting the sticky
	// woken flag. Safe no-op otherwise.
	WakeIfMinimized()

	// ShouldRestore reports the sticky woken flag.
	ShouldRestore() bool

	// RestoreMinimizedState hands focus back to the remembered window
	// and re-minimizes the host, best effort. Clears the flag.
	RestoreMinimizedState()
}

// NopWaker is the fallback waker for unsupported platforms and for hosts
// that are never minimized.
type NopWaker struct{}

func (NopWaker) Initialize()            {}
func (NopWaker) WakeIfMinimized()       {}
func (NopWaker) ShouldRestore() bool    { return false }
func (NopWaker) RestoreMinimizedState() {}
