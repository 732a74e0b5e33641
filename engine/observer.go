package engine

import (
	"context"
	"time"

	observable "github.com/b97tsk/rx"
)

const (
	_progressInterval = 500 * time.Millisecond
	_speedInterval    = time.Second
	_speedWindow      = 5
)

// observerSet runs the progress and speed sampling tasks, each its own
// periodic task built on observable.Interval. Observers only read
// aggregate state through SliceManager.Progress, never touching Slice
// internals directly. An observerSet must be stopped before the
// SliceManager it reads from is closed.
type observerSet struct {
	cancels []context.CancelFunc
}

// startObservers installs the progress and speed tasks when the caller
// supplied the corresponding callback, returning a handle whose Stop
// tears both down.
func startObservers(ctx context.Context, mgr *SliceManager, onProgress ProgressCallback, onSpeed SpeedCallback) *observerSet {
	obs := &observerSet{}

	if onProgress != nil {
		_, cancel := observable.Interval(_progressInterval).Subscribe(
			ctx,
			observable.ObserverFunc(func(t observable.Notification) {
				if !t.HasValue {
					return
				}
				total, downloaded := mgr.Progress()
				onProgress(total, downloaded)
			}),
		)
		obs.cancels = append(obs.cancels, cancel)
	}

	if onSpeed != nil {
		samples := make([]int64, 0, _speedWindow)
		var lastDownloaded int64
		first := true

		_, cancel := observable.Interval(_speedInterval).Subscribe(
			ctx,
			observable.ObserverFunc(func(t observable.Notification) {
				if !t.HasValue {
					return
				}
				_, downloaded := mgr.Progress()
				if first {
					lastDownloaded = downloaded
					first = false
					return
				}
				delta := downloaded - lastDownloaded
				lastDownloaded = downloaded

				if len(samples) == _speedWindow {
					copy(samples, samples[1:])
					samples = samples[:_speedWindow-1]
				}
				samples = append(samples, delta)

				var sum int64
				for _, s := range samples {
					sum += s
				}
				onSpeed(sum / int64(len(samples)))
			}),
		)
		obs.cancels = append(obs.cancels, cancel)
	}

	return obs
}

func (o *observerSet) Stop() {
	for _, cancel := range o.cancels {
		cancel()
	}
}
