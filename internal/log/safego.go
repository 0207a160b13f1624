package log

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine and logs, instead of crashing on, any
// panic it raises.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be called directly via defer.
func Recover(name string) {
	if r := recover(); r != nil {
		Error(CatApp, "goroutine panicked", "goroutine", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	}
}
