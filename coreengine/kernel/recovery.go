package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned when a recovered operation panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

func recovered(logger Logger, operation string, r any) *PanicError {
	stack := string(debug.Stack())
	if logger != nil {
		logger.Error("panic_recovered",
			"operation", operation,
			"panic", r,
			"stack", stack,
		)
	}
	return &PanicError{Operation: operation, Value: r, Stack: stack}
}

// SafeExecute executes a function with panic recovery.
// If the function panics, the panic is logged and a *PanicError is returned.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(logger, operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult executes a function with panic recovery and returns both result and error.
// Capability handlers run through it so a panicking handler fails its
// request instead of the engine.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = recovered(logger, operation, r)
		}
	}()
	return fn()
}

// SafeGo runs a goroutine with panic recovery.
// If the goroutine panics, the panic is logged and the onPanic callback is called.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("goroutine_panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", stack,
					)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
