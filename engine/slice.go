package engine

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// SliceStatus is the per-slice state machine from the engine's design:
// every non-terminal status can fall back to Unfetch on resume-after-
// pause; Completed and a failed-out Failed are the only terminal ones.
type SliceStatus int

const (
	SliceUnfetch SliceStatus = iota
	SliceFetched
	SliceDownloading
	SliceCompleted
	SliceCompletedNotSure
	SliceFailed
)

func (s SliceStatus) String() string {
	switch s {
	case SliceFetched:
		return "fetched"
	case SliceDownloading:
		return "downloading"
	case SliceCompleted:
		return "completed"
	case SliceCompletedNotSure:
		return "completed_not_sure"
	case SliceFailed:
		return "failed"
	default:
		return "unfetch"
	}
}

// Slice is a single contiguous byte-range transfer: its bounded RAM
// buffer, disk-cache policy, state, and retry count. Bytes are staged in
// the buffer and flushed to disk once it fills, so one slow slice
// doesn't force a disk write on every single TCP read.
type Slice struct {
	mu sync.Mutex

	Index     int
	Begin     int64
	End       int64 // -1 sentinel: unknown, "to EOF"
	Capacity  int64 // -1 when End == -1
	Downloaded int64

	buffer         []byte
	bufferCapacity int64

	limiter *rate.Limiter

	failedTimes int
	maxFailed   int

	status SliceStatus
}

// NewSlice constructs a slice covering [begin, end] (end == -1 means
// unbounded). downloaded is the number of bytes already persisted to
// the target file for this range, e.g. when resuming.
func NewSlice(index int, begin, end, downloaded int64, maxFailed int) *Slice {
	capacity := int64(-1)
	if end >= 0 {
		capacity = end - begin + 1
	}
	status := SliceUnfetch
	if capacity >= 0 && downloaded == capacity {
		status = SliceCompleted
	}
	return &Slice{
		Index:      index,
		Begin:      begin,
		End:        end,
		Capacity:   capacity,
		Downloaded: downloaded,
		maxFailed:  maxFailed,
		status:     status,
	}
}

func (s *Slice) Status() SliceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Slice) setStatus(status SliceStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// IsTerminal reports whether the slice cannot transition further on its
// own (completed, or failed out of retries).
func (s *Slice) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == SliceCompleted || (s.status == SliceFailed && s.failedTimes >= s.maxFailed)
}

// Start configures the slice's buffer and throttle and transitions it
// Unfetch -> Fetched.
func (s *Slice) Start(cacheBudget int64, maxBps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferCapacity = cacheBudget
	if maxBps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(maxBps), int(max64(maxBps, _readBufferSize)))
	} else {
		s.limiter = nil
	}
	s.buffer = s.buffer[:0]
	s.status = SliceFetched
}

// rangeHeader renders the "Range: bytes=begin-end" value this slice's
// next request should carry.
func (s *Slice) rangeHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.Begin + s.Downloaded
	if s.End < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, s.End)
}

// markDownloading is the FETCHED -> DOWNLOADING transition, fired on
// the first transport callback.
func (s *Slice) markDownloading() {
	s.mu.Lock()
	if s.status == SliceFetched {
		s.status = SliceDownloading
	}
	s.mu.Unlock()
}

// OnBytes appends freshly received bytes to the RAM buffer, flushing to
// disk through file when the buffer fills. Writes past the slice's
// capacity are clamped and reported as an error.
func (s *Slice) OnBytes(file *os.File, p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Capacity >= 0 {
		remaining := s.Capacity - s.Downloaded - int64(len(s.buffer))
		if int64(len(p)) > remaining {
			if remaining < 0 {
				remaining = 0
			}
			p = p[:remaining]
			err = fmt.Errorf("slice %d: write past capacity clamped", s.Index)
		}
	}

	s.buffer = append(s.buffer, p...)
	n = len(p)

	if s.bufferCapacity <= 0 || int64(len(s.buffer)) >= s.bufferCapacity {
		if ferr := s.flushLocked(file); ferr != nil && err == nil {
			err = ferr
		}
	}
	return n, err
}

// NeedsFlush reports whether the buffer currently holds data.
func (s *Slice) NeedsFlush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) > 0
}

// Flush drains the RAM buffer to the slice's region of file.
func (s *Slice) Flush(file *os.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(file)
}

func (s *Slice) flushLocked(file *os.File) error {
	if len(s.buffer) == 0 {
		return nil
	}
	offset := s.Begin + s.Downloaded
	n, err := file.WriteAt(s.buffer, offset)
	s.Downloaded += int64(n)
	if n == len(s.buffer) {
		s.buffer = s.buffer[:0]
	} else {
		s.buffer = s.buffer[n:]
	}
	return err
}

// isDataCompletedClearly reports whether downloaded == capacity, the
// only condition under which a clean transport completion may be
// treated as DOWNLOAD_COMPLETED outright.
func (s *Slice) isDataCompletedClearly() bool {
	return s.Capacity >= 0 && s.Downloaded == s.Capacity
}

// OnTransportDone applies the DOWNLOADING -> {COMPLETED, COMPLETED_NOT_SURE,
// FAILED} transition once a transport attempt ends.
func (s *Slice) OnTransportDone(transportErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if transportErr != nil {
		s.status = SliceFailed
		s.failedTimes++
		return
	}

	switch {
	case s.isDataCompletedClearly():
		s.status = SliceCompleted
	case s.Capacity < 0:
		s.status = SliceCompletedNotSure
	default:
		s.status = SliceFailed
		s.failedTimes++
	}
}

// Retry applies FAILED -> UNFETCH when another attempt is permitted.
func (s *Slice) Retry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SliceFailed || s.failedTimes >= s.maxFailed {
		return false
	}
	s.status = SliceUnfetch
	return true
}

// ResumeAfterPause applies the "any non-terminal -> UNFETCH" transition.
func (s *Slice) ResumeAfterPause() {
	s.mu.Lock()
	if s.status != SliceCompleted && !(s.status == SliceFailed && s.failedTimes >= s.maxFailed) {
		s.status = SliceUnfetch
	}
	s.mu.Unlock()
}

// ReconcileUnknownSize finalizes a CompletedNotSure slice once the
// aggregate file size is known: if this slice's end now reconciles with
// the known total it becomes Completed, otherwise it restarts.
func (s *Slice) ReconcileUnknownSize(totalSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SliceCompletedNotSure {
		return
	}
	if s.Begin+s.Downloaded >= totalSize {
		s.End = totalSize - 1
		s.Capacity = s.Downloaded
		s.status = SliceCompleted
		return
	}
	s.status = SliceUnfetch
}

// snapshot is a read-only copy used by aggregate observers so they never
// touch slice internals directly.
type sliceSnapshot struct {
	Index      int
	Begin, End int64
	Capacity   int64
	Downloaded int64
	Status     SliceStatus
	Failed     int
}

func (s *Slice) snapshot() sliceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sliceSnapshot{
		Index:      s.Index,
		Begin:      s.Begin,
		End:        s.End,
		Capacity:   s.Capacity,
		Downloaded: s.Downloaded,
		Status:     s.status,
		Failed:     s.failedTimes,
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
