//go:build !linux

package sleepwatch

import "context"

// Run blocks until ctx is done. Suspend events are only observed on Linux.
func (w *Watcher) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
