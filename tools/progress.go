package tools

import "context"

// ProgressReporter forwards progress of the current request to its client.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64, message string) error
}

type progressKey struct{}

// WithProgressReporter returns ctx carrying pr.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves the reporter, if the client asked for progress.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}

// ReportProgress is a no-op when the client did not ask for progress.
func ReportProgress(ctx context.Context, progress, total float64, message string) error {
	if pr, ok := ProgressFrom(ctx); ok {
		return pr.Report(ctx, progress, total, message)
	}
	return nil
}
