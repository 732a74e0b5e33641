package engine

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	observable "github.com/b97tsk/rx"
)

const (
	_pausedPollInterval = 50 * time.Millisecond
	_flushCadence       = 10 * time.Second
	_minLoopWait        = 100 * time.Microsecond
	_maxLoopWait        = time.Second
)

// Download is the top-level orchestrator for one resource transfer: it
// probes, builds or resumes slices, runs the multiplexed scheduling
// loop, and finalizes.
type Download struct {
	opts *DownloadOptions

	internalStop *EventFlag
	pausedFlag   int32 // atomic bool

	state   int32 // atomic DownloadState
	started int32 // atomic bool, guards AlreadyDownloading

	client *http.Client
	mgr    *SliceManager

	originFileSize int64 // atomic

	resultCh chan Result
}

// New constructs a Download for opts. The run does not begin until
// Start is called.
func New(opts *DownloadOptions) *Download {
	return &Download{
		opts:           opts,
		internalStop:   NewEventFlag(),
		originFileSize: -1,
		resultCh:       make(chan Result, 1),
	}
}

func (d *Download) State() DownloadState {
	return DownloadState(atomic.LoadInt32(&d.state))
}

func (d *Download) setState(s DownloadState) {
	atomic.StoreInt32(&d.state, int32(s))
}

func (d *Download) OriginFileSize() int64 {
	return atomic.LoadInt64(&d.originFileSize)
}

func (d *Download) isPaused() bool {
	return atomic.LoadInt32(&d.pausedFlag) != 0
}

// Pause stops replenishment of new slices; inflight transfers drain
// normally.
func (d *Download) Pause() {
	atomic.StoreInt32(&d.pausedFlag, 1)
	d.setState(StatePaused)
}

// Resume clears Pause.
func (d *Download) Resume() {
	atomic.StoreInt32(&d.pausedFlag, 0)
	if d.State() == StatePaused {
		d.setState(StateDownloading)
	}
}

// Stop requests cooperative cancellation; the run becomes ready only
// after finalization (or cancel cleanup) completes.
func (d *Download) Stop() {
	d.internalStop.Set()
}

func (d *Download) userStopSet() bool {
	return d.opts.userStopEvent != nil && d.opts.userStopEvent.IsSet()
}

// Start launches the run on its own goroutine and returns a channel
// that receives exactly one Result at termination. Calling Start twice
// on the same Download concurrently reports AlreadyDownloading on the
// second caller's channel.
func (d *Download) Start() <-chan Result {
	ch := make(chan Result, 1)
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		ch <- AlreadyDownloading
		return ch
	}
	if v := d.opts.validate(); v != Unknown {
		if d.opts.onResult != nil {
			d.opts.onResult(v)
		}
		atomic.StoreInt32(&d.started, 0)
		ch <- v
		return ch
	}

	go func() {
		result := d.run()
		if d.opts.onResult != nil {
			d.opts.onResult(result)
		}
		atomic.StoreInt32(&d.started, 0)
		ch <- result
	}()
	return ch
}

func (d *Download) run() Result {
	d.internalStop.Unset()
	d.setState(StateDownloading)
	defer d.setState(StateStopped)

	result := d.runSingleAttempt(d.opts.effectiveThreadNum())

	if result == errRestartSingleSliced {
		d.opts.verbose("server ignored Range, restarting single-sliced")
		if d.mgr != nil {
			d.mgr.index.Delete()
		}
		result = d.runSingleAttempt(1)
	}
	return result
}

// errRestartSingleSliced signals that the server ignored a Range
// request, so run() can discard the multi-slice layout and retry once
// single-sliced before reporting a terminal Result to the caller.
const errRestartSingleSliced Result = -1

func (d *Download) runSingleAttempt(threadNum int) Result {
	if v := d.opts.validate(); v != Unknown {
		return v
	}

	client, err := newHTTPClient(d.opts)
	if err != nil {
		return InitCurlFailed
	}
	d.client = client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info, err := probeWithRetry(ctx, client, d.opts.url, d.opts.headers, d.opts.useHeadMethod,
		d.opts.fetchInfoRetry, d.internalStop, d.opts.userStopEvent)
	if err != nil {
		if d.internalStop.IsSet() || d.userStopSet() {
			return Canceled
		}
		return FetchFileInfoFailed
	}

	finalURL := d.opts.url
	if info.RedirectURL != "" {
		finalURL = info.RedirectURL
	}
	atomic.StoreInt64(&d.originFileSize, info.FileSize)

	mgr, err := NewSliceManager(d.opts.targetPath)
	if err != nil {
		return CreateTmpFileFailed
	}
	d.mgr = mgr

	if info.FileSize == 0 {
		return d.finishEmptyFile(mgr)
	}

	maxFailed := d.opts.sliceMaxFailedTimes
	resumed, err := mgr.LoadExistSlice(finalURL, info.FileSize, info.ContentMD5, maxFailed)
	if err != nil {
		var badFormat *invalidIndexFormatError
		if errors.As(err, &badFormat) {
			return InvalidIndexFormat
		}
		return OpenIndexFileFailed
	}
	if !resumed {
		mgr.MakeSlices(finalURL, info.FileSize, info.ContentMD5, info.AcceptRanges, threadNum, maxFailed)
	}

	if mgr.AllCompleted() {
		return mgr.FinishDownloadProgress(d.opts.hashPolicy, d.opts.hashType, d.opts.expectedHash, d.opts.slicePolicy)
	}

	observers := startObservers(ctx, mgr, d.opts.onProgress, d.opts.onSpeed)
	result := d.scheduleLoop(ctx, mgr, finalURL, threadNum)
	observers.Stop()

	if result == errRestartSingleSliced {
		mgr.file.Close()
		return errRestartSingleSliced
	}

	if result != Successed {
		mgr.ApplyUncompletedSlicePolicy(d.opts.slicePolicy)
		mgr.file.Close()
		if d.internalStop.IsSet() || d.userStopSet() {
			return Canceled
		}
		return result
	}

	return mgr.FinishDownloadProgress(d.opts.hashPolicy, d.opts.hashType, d.opts.expectedHash, d.opts.slicePolicy)
}

func (d *Download) finishEmptyFile(mgr *SliceManager) Result {
	if err := mgr.file.Truncate(0); err != nil {
		return TmpFileSizeError
	}
	if err := mgr.file.Close(); err != nil {
		return TmpFileCannotRW
	}
	if err := os.Rename(mgr.tmpPath, mgr.targetPath); err != nil {
		return RenameTmpFileFailed
	}
	return Successed
}

// scheduleLoop runs the multiplexed download loop: every in-flight slice
// attempt is one observable.Observable, pushed onto a Subject and
// flattened with MergeAll, with each attempt's `.Do(...)` handler
// applying the corresponding Slice's state transition as it completes.
func (d *Download) scheduleLoop(ctx context.Context, mgr *SliceManager, rawURL string, threadNum int) Result {
	var runningCount int32
	var rangeIgnored int32

	stateChanged := make(chan struct{}, 1)
	notify := func() {
		select {
		case stateChanged <- struct{}{}:
		default:
		}
	}

	activeTasks := observable.NewSubject()
	activeCtx, activeCancel := context.WithCancel(ctx)
	defer activeCancel()

	mergedCtx, _ := activeTasks.MergeAll().Subscribe(
		activeCtx,
		observable.ObserverFunc(func(observable.Notification) {}),
	)
	defer func() {
		activeTasks.Complete()
		<-mergedCtx.Done()
	}()

	startSlice := func(s *Slice, share int) {
		atomic.AddInt32(&runningCount, 1)
		cacheBudget := d.opts.diskCacheSize / int64(maxInt(share, 1))
		maxBps := int64(-1)
		if d.opts.maxSpeedBps >= 0 {
			maxBps = d.opts.maxSpeedBps / int64(maxInt(share, 1))
		}
		s.Start(cacheBudget, maxBps)

		obs := startSliceTransfer(d.client, mgr.File(), s, rawURL, d.opts.headers, d.opts.readTimeout)
		handler := observable.ObserverFunc(func(t observable.Notification) {
			if !t.HasValue {
				return
			}
			switch v := t.Value.(type) {
			case sliceDone:
				atomic.AddInt32(&runningCount, -1)
				if v.Fatal {
					atomic.StoreInt32(&rangeIgnored, 1)
				}
				s.OnTransportDone(v.Err)
				notify()
			}
		})
		activeTasks.Next(obs.Do(handler))
	}

	unfinished := 0
	for _, s := range mgr.Slices() {
		if s.Status() != SliceCompleted {
			unfinished++
		}
	}
	seedShare := threadNum
	if unfinished < seedShare {
		seedShare = unfinished
	}

	seeded := 0
	for seeded < threadNum {
		s := mgr.GetSlice(SliceUnfetch)
		if s == nil {
			break
		}
		startSlice(s, seedShare)
		seeded++
	}
	if seeded == 0 {
		return UnknownError
	}

	flushClock := NewStopwatch()

	for {
		if atomic.LoadInt32(&rangeIgnored) != 0 {
			return errRestartSingleSliced
		}

		if d.isPaused() {
			if d.internalStop.Wait(_pausedPollInterval) || d.userStopSet() {
				break
			}
			continue
		}
		if d.internalStop.IsSet() || d.userStopSet() {
			break
		}

		if flushClock.ElapsedAtLeast(_flushCadence) {
			mgr.FlushAllSlices()
			mgr.FlushIndexFile()
			flushClock.Reset()
		}

		if running := atomic.LoadInt32(&runningCount); int(running) < threadNum {
			if next := mgr.GetSlice(SliceUnfetch); next != nil {
				startSlice(next, int(running)+1)
			} else if failed := mgr.GetSlice(SliceFailed); failed != nil && failed.Retry() {
				startSlice(failed, int(running)+1)
			} else if running == 0 {
				if s := mgr.GetSlice(SliceCompletedNotSure); s != nil {
					total, _ := mgr.Progress()
					s.ReconcileUnknownSize(total)
					if s.Status() == SliceUnfetch {
						startSlice(s, 1)
					}
					notify()
				} else {
					mgr.FlushAllSlices()
					mgr.FlushIndexFile()
					goto loopDone
				}
			}
		}

		select {
		case <-stateChanged:
		case <-time.After(clampLoopWait(_maxLoopWait)):
		}
	}

loopDone:
	if d.internalStop.IsSet() || d.userStopSet() {
		return Canceled
	}
	if atomic.LoadInt32(&rangeIgnored) != 0 {
		return errRestartSingleSliced
	}
	if !mgr.AllCompleted() {
		return SliceDownloadFailed
	}
	return Successed
}

func clampLoopWait(d time.Duration) time.Duration {
	if d < _minLoopWait {
		return _minLoopWait
	}
	if d > _maxLoopWait {
		return _maxLoopWait
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
