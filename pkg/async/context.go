package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/swiftride/dispatch/pkg/errors"
	"github.com/swiftride/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// TaskContext carries the request-scoped values a background task still
// needs after the originating request context is gone.
type TaskContext struct {
	CorrelationID string
	StartTime     time.Time
	TaskName      string
}

// CaptureContext snapshots ctx for later use on another goroutine. The
// returned value is safe to hold past the end of the request.
func CaptureContext(ctx context.Context, taskName string) TaskContext {
	return TaskContext{
		CorrelationID: logger.CorrelationIDFromContext(ctx),
		StartTime:     time.Now(),
		TaskName:      taskName,
	}
}

// NewContext builds a fresh context carrying the captured correlation id.
// It is detached from the original request, so cancelling the request does
// not cancel the task.
func (tc TaskContext) NewContext() context.Context {
	ctx := context.Background()
	if tc.CorrelationID != "" {
		ctx = logger.ContextWithCorrelationID(ctx, tc.CorrelationID)
	}
	return ctx
}

// NewContextWithTimeout is NewContext with a deadline attached.
func (tc TaskContext) NewContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(tc.NewContext(), timeout)
}

// Go runs fn on its own goroutine with correlation-id propagation and panic
// recovery. Use it for best-effort work that must not take the process down.
//
//	async.Go(ctx, "publish-event", func(ctx context.Context) {
//	    bus.Publish(ctx, subject, event)
//	})
func Go(ctx context.Context, taskName string, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer recoverWithLogging(tc)

		taskCtx := tc.NewContext()
		fn(taskCtx)

		logger.DebugContext(taskCtx, "async task completed",
			zap.String("task", tc.TaskName),
			zap.Duration("duration", time.Since(tc.StartTime)),
		)
	}()
}

// GoWithTimeout is Go with an upper bound on the task's lifetime. fn gets
// the derived context and must watch it; when the deadline passes the task
// is abandoned, not killed.
func GoWithTimeout(ctx context.Context, taskName string, timeout time.Duration, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		taskCtx, cancel := tc.NewContextWithTimeout(timeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer recoverWithLogging(tc)
			fn(taskCtx)
		}()

		select {
		case <-done:
			logger.DebugContext(taskCtx, "async task completed",
				zap.String("task", tc.TaskName),
				zap.Duration("duration", time.Since(tc.StartTime)),
			)
		case <-taskCtx.Done():
			logger.WarnContext(taskCtx, "async task timed out",
				zap.String("task", tc.TaskName),
				zap.Duration("timeout", timeout),
			)
		}
	}()
}

func recoverWithLogging(tc TaskContext) {
	if r := recover(); r != nil {
		logger.ErrorContext(tc.NewContext(), "async task panicked",
			zap.String("task", tc.TaskName),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
		// Background tasks run outside the request middleware, so the
		// panic has to be reported from here.
		errors.CaptureError(fmt.Errorf("async task %s panicked: %v", tc.TaskName, r))
	}
}
