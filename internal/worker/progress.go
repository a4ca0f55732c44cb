package worker

import "context"

type progressKey struct{}

// ProgressFunc receives a 0-100 completion percentage for the running task.
type ProgressFunc func(progress int)

func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress lets a handler publish incremental progress for its task.
// Outside a pool execution it is a no-op, so handlers stay testable without
// any wiring.
func ReportProgress(ctx context.Context, progress int) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(progress)
	}
}
