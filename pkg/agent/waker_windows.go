//go:build windows

package agent

import (
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	user32               = syscall.NewLazyDLL("user32.dll")
	procGetForegroundWnd = user32.NewProc("GetForegroundWindow")
	procSetForegroundWnd = user32.NewProc("SetForegroundWindow")
	procIsIconic         = user32.NewProc("IsIconic")
	procShowWindow       = user32.NewProc("ShowWindow")
	procCloseWindow      = user32.NewProc("CloseWindow")
)

const (
	swMinimize        = 6
	swRestore         = 9
	swShowMinNoActive = 7
)

// windowWaker drives the host window over user32. The reader thread only
// calls WakeIfMinimized; the remaining operations run on the main loop.
type windowWaker struct {
	mu         sync.Mutex
	hostWindow uintptr
	prevFocus  uintptr
	woken      atomic.Bool
}

// NewPlatformWaker returns the user32-backed waker.
func NewPlatformWaker() Waker {
	return &windowWaker{}
}

func (w *windowWaker) Initialize() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hostWindow != 0 {
		return
	}
	// Called from the host main thread at startup, so the foreground
	// window is the host's top-level window.
	hwnd, _, _ := procGetForegroundWnd.Call()
	w.hostWindow = hwnd
}

func (w *windowWaker) WakeIfMinimized() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hostWindow == 0 {
		return
	}

	iconic, _, _ := procIsIconic.Call(w.hostWindow)
	if iconic == 0 {
		return
	}

	focus, _, _ := procGetForegroundWnd.Call()
	w.prevFocus = focus
	procShowWindow.Call(w.hostWindow, swRestore)
	w.woken.Store(true)
}

func (w *windowWaker) ShouldRestore() bool {
	return w.woken.Load()
}

func (w *windowWaker) RestoreMinimizedState() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.woken.Load() {
		return
	}

	if w.prevFocus != 0 && w.prevFocus != w.hostWindow {
		procSetForegroundWnd.Call(w.prevFocus)
	}

	// Minimize calls in descending preference; later ones only matter if
	// the earlier failed to take.
	if ret, _, _ := procShowWindow.Call(w.hostWindow, swMinimize); ret == 0 {
		if ret, _, _ := procShowWindow.Call(w.hostWindow, swShowMinNoActive); ret == 0 {
			procCloseWindow.Call(w.hostWindow)
		}
	}

	w.prevFocus = 0
	w.woken.Store(false)
}
