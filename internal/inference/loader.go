package inference

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Loader is a handle that can fetch its model.
type Loader interface {
	Name() string
	Load(ctx context.Context) error
}

// LoadAll loads every model concurrently. onLoaded runs as soon as each one
// becomes ready, so callers can hand partially loaded sets to the queue.
// A failing model does not stop the others; the first error is returned.
func LoadAll(ctx context.Context, onLoaded func(name string), models ...Loader) error {
	var g errgroup.Group
	for _, m := range models {
		g.Go(func() error {
			if err := m.Load(ctx); err != nil {
				return err
			}
			if onLoaded != nil {
				onLoaded(m.Name())
			}
			return nil
		})
	}
	return g.Wait()
}
