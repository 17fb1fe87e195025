package service

import "context"

// Component is a long-running part of the alerting engine with an explicit
// lifecycle.  Open must not block; Close waits for in-flight work to finish.
type Component interface {
	Open(ctx context.Context) error
	Close() error
}
