package client

import (
	"context"
	"fmt"
	"time"

	"github.com/toursync/toursync/internal/geo"
)

// DefaultLocateTimeout bounds position acquisition.
const DefaultLocateTimeout = 10 * time.Second

// Locator acquires the device position.
type Locator interface {
	Locate(ctx context.Context) (geo.Point, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (geo.Point, error)

// Locate implements Locator.
func (f LocatorFunc) Locate(ctx context.Context) (geo.Point, error) { return f(ctx) }

// StaticLocator always reports the same position, e.g. one given on the command line.
type StaticLocator geo.Point

// Locate implements Locator.
func (s StaticLocator) Locate(context.Context) (geo.Point, error) { return geo.Point(s), nil }

// LocateWithTimeout asks l for the current position, giving up after timeout
// (DefaultLocateTimeout when zero). Any failure, including a timeout or a
// missing locator, is reported as geo.ErrLocationUnavailable so the caller can
// offer a retry. Out-of-range positions are reported as geo.ErrInvalidCoordinates.
func LocateWithTimeout(ctx context.Context, l Locator, timeout time.Duration) (geo.Point, error) {
	if l == nil {
		return geo.Point{}, fmt.Errorf("%w: no location provider", geo.ErrLocationUnavailable)
	}
	if timeout <= 0 {
		timeout = DefaultLocateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		p   geo.Point
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := l.Locate(ctx)
		ch <- result{p, err}
	}()

	select {
	case <-ctx.Done():
		return geo.Point{}, fmt.Errorf("%w: %v", geo.ErrLocationUnavailable, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return geo.Point{}, fmt.Errorf("%w: %v", geo.ErrLocationUnavailable, r.err)
		}
		if err := r.p.Validate(); err != nil {
			return geo.Point{}, err
		}
		return r.p, nil
	}
}
