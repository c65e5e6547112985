package safe

import (
	"IMDelivery/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a new goroutine that recovers from panic, so that one
// misbehaving connection or dispatch cannot crash the process.
func Go(log *zap.Logger, name string, f func()) {
	go Run(log, name, f)
}

// Run calls f in the current goroutine and converts a panic into an
// error log entry. It returns the recovered error, if any.
func Run(log *zap.Logger, name string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			if log != nil {
				log.Error("panic recovered", zap.String("task", name), zap.Any("panic", r), zap.Stack("stack"))
			}
		}
	}()
	f()
	return nil
}
