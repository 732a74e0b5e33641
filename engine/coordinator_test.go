package engine

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rangeServer(t *testing.T, body []byte, acceptRanges bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptRanges {
			w.Header().Set("Accept-Ranges", "none")
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}

		var start, end int
		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ = strconv.Atoi(parts[0])
		if parts[1] == "" {
			end = len(body) - 1
		} else {
			end, _ = strconv.Atoi(parts[1])
		}
		if end >= len(body) {
			end = len(body) - 1
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func newTestOptions(t *testing.T, url string) (*DownloadOptions, string) {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	opts := NewDownloadOptions(url, target).
		SetConnectTimeout(2 * time.Second).
		SetReadTimeout(2 * time.Second)
	return opts, target
}

func TestSmallFileSingleSliceNoRangeSupport(t *testing.T) {
	body := make([]byte, 1024)
	for i := range body {
		body[i] = byte(i)
	}
	srv := rangeServer(t, body, false)
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	opts.SetThreadNum(4)

	result := <-New(opts).Start()
	require.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestZeroLengthFile(t *testing.T) {
	srv := rangeServer(t, []byte{}, true)
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	result := <-New(opts).Start()
	require.Equal(t, Successed, result)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Size())

	_, err = os.Stat(target + ".zoe.index")
	assert.True(t, os.IsNotExist(err))
}

func TestMultiSliceDownloadMatchesSource(t *testing.T) {
	body := make([]byte, 10*1024*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangeServer(t, body, true)
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	opts.SetThreadNum(3)

	result := <-New(opts).Start()
	require.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestHashMismatchFailsVerification(t *testing.T) {
	body := []byte("hello world, this is a small fixed payload")

	t.Run("saveExceptFailed", func(t *testing.T) {
		srv := rangeServer(t, body, true)
		defer srv.Close()

		opts, target := newTestOptions(t, srv.URL)
		opts.SetHashVerify(HashAlwaysVerify, HashMD5, "deadbeefdeadbeefdeadbeefdeadbeef")

		result := <-New(opts).Start()
		require.Equal(t, HashVerifyNotPass, result)

		_, err := os.Stat(target)
		assert.True(t, os.IsNotExist(err), "target should not be renamed on hash mismatch")

		data, err := os.ReadFile(target + ".zoe.index")
		require.NoError(t, err)
		var rec indexRecord
		require.NoError(t, json.Unmarshal(data, &rec))
		var total int64
		for _, s := range rec.Slices {
			total += s.Downloaded
		}
		assert.EqualValues(t, len(body), total, "completed slices kept under save-except-failed despite the hash failure")
	})

	t.Run("alwaysDiscard", func(t *testing.T) {
		srv := rangeServer(t, body, true)
		defer srv.Close()

		opts, target := newTestOptions(t, srv.URL)
		opts.SetHashVerify(HashAlwaysVerify, HashMD5, "deadbeefdeadbeefdeadbeefdeadbeef")
		opts.SetSlicePolicy(SliceAlwaysDiscard)

		result := <-New(opts).Start()
		require.Equal(t, HashVerifyNotPass, result)

		data, err := os.ReadFile(target + ".zoe.index")
		require.NoError(t, err)
		var rec indexRecord
		require.NoError(t, json.Unmarshal(data, &rec))
		for _, s := range rec.Slices {
			assert.EqualValues(t, 0, s.Downloaded, "every slice discarded under always-discard despite the hash failure")
		}
	})
}

func TestHashMatchSucceeds(t *testing.T) {
	body := []byte("hello world, this is a small fixed payload")
	sum := md5.Sum(body)
	srv := rangeServer(t, body, true)
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	opts.SetHashVerify(HashAlwaysVerify, HashMD5, hex.EncodeToString(sum[:]))

	result := <-New(opts).Start()
	require.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestUnknownSizeServerSingleSlice(t *testing.T) {
	body := []byte("streamed payload of unknown advertised length")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length: the probe can't learn the size up front.
		// Flushing the headers first keeps net/http from computing a
		// Content-Length for this small, fully buffered body.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write(body)
	}))
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	opts.SetThreadNum(1)

	result := <-New(opts).Start()
	require.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestOptionValidationRejectsBadURL(t *testing.T) {
	opts, _ := newTestOptions(t, "not-a-url")
	result := <-New(opts).Start()
	assert.Equal(t, InvalidURL, result)
}

func TestOptionValidationRejectsBadHashPolicy(t *testing.T) {
	opts, _ := newTestOptions(t, "http://127.0.0.1:1/nope")
	opts.SetHashVerify(HashAlwaysVerify, HashMD5, "")
	result := <-New(opts).Start()
	assert.Equal(t, InvalidHashPolicy, result)
}

func TestResumeAfterCancelReachesSuccess(t *testing.T) {
	body := make([]byte, 5*1024*1024)
	for i := range body {
		body[i] = byte(i % 97)
	}
	srv := rangeServer(t, body, true)
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	opts.SetThreadNum(3)

	dl := New(opts)
	resultCh := dl.Start()
	time.Sleep(50 * time.Millisecond)
	dl.Stop()
	firstResult := <-resultCh

	assert.Contains(t, []Result{Canceled, Successed}, firstResult)

	opts2, _ := newTestOptions(t, srv.URL)
	opts2.targetPath = target
	opts2.SetThreadNum(3)

	secondResult := <-New(opts2).Start()
	require.Equal(t, Successed, secondResult)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	_, err = os.Stat(target + ".zoe.index")
	assert.True(t, os.IsNotExist(err))
}

// TestUncompletedSlicePolicyDivergence exercises both uncompleted-slice
// policies against the same failure: slice 1 always 500s until its
// retries run out, while slice 0 completes normally.
func TestUncompletedSlicePolicyDivergence(t *testing.T) {
	body := make([]byte, 2000)
	for i := range body {
		body[i] = byte(i % 250)
	}
	mid := len(body) / 2

	newFlakyServer := func() *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rangeHeader := r.Header.Get("Range")
			if rangeHeader == "" {
				w.Header().Set("Content-Length", strconv.Itoa(len(body)))
				w.WriteHeader(http.StatusOK)
				w.Write(body)
				return
			}
			spec := strings.TrimPrefix(rangeHeader, "bytes=")
			start, _ := strconv.Atoi(strings.SplitN(spec, "-", 2)[0])
			if start >= mid {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			end := mid - 1
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
			w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[start : end+1])
		}))
	}

	cases := []struct {
		name           string
		policy         SlicePolicy
		keepsCompleted bool
	}{
		{"discard", SliceAlwaysDiscard, false},
		{"saveExceptFailed", SliceSaveExceptFailed, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFlakyServer()
			defer srv.Close()

			opts, target := newTestOptions(t, srv.URL)
			opts.SetThreadNum(2).SetSliceMaxFailedTimes(1).SetSlicePolicy(tc.policy)

			result := <-New(opts).Start()
			require.Equal(t, SliceDownloadFailed, result)

			data, err := os.ReadFile(target + ".zoe.index")
			require.NoError(t, err)
			var rec indexRecord
			require.NoError(t, json.Unmarshal(data, &rec))
			require.Len(t, rec.Slices, 2)

			var completedDownloaded, failedDownloaded int64
			for _, s := range rec.Slices {
				if s.Index == 0 {
					completedDownloaded = s.Downloaded
				} else {
					failedDownloaded = s.Downloaded
				}
			}

			assert.EqualValues(t, 0, failedDownloaded, "a failed slice is always discarded")
			if tc.keepsCompleted {
				assert.EqualValues(t, mid, completedDownloaded, "completed slice kept under save-except-failed")
			} else {
				assert.EqualValues(t, 0, completedDownloaded, "completed slice discarded under always-discard")
			}

			_, err = os.Stat(target)
			assert.True(t, os.IsNotExist(err), "target should not be renamed on a failed run")
		})
	}
}

// TestRestartSingleSlicedAfterRangeIgnored plants a stale multi-slice
// index left over from a would-be prior run against a server that
// ignores Range entirely, then checks the coordinator discards that
// index and completes single-sliced instead of looping on the same
// fatal error.
func TestRestartSingleSlicedAfterRangeIgnored(t *testing.T) {
	body := make([]byte, 3000)
	for i := range body {
		body[i] = byte(i % 199)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	opts.SetThreadNum(3)

	stale := indexRecord{
		URL:      srv.URL,
		FileSize: int64(len(body)),
		Slices: []indexSliceRecord{
			{Index: 0, Begin: 0, End: 999, Downloaded: 0},
			{Index: 1, Begin: 1000, End: 1999, Downloaded: 0},
			{Index: 2, Begin: 2000, End: 2999, Downloaded: 0},
		},
	}
	data, err := json.Marshal(&stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target+".zoe.index", data, 0644))

	result := <-New(opts).Start()
	require.Equal(t, Successed, result)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	_, err = os.Stat(target + ".zoe.index")
	assert.True(t, os.IsNotExist(err))
}

// TestPauseResumeThenStop drives a Download through Pause, Resume, and
// Stop in sequence, checking that pausing holds the reported state and
// that the run still terminates cleanly afterward.
func TestPauseResumeThenStop(t *testing.T) {
	body := make([]byte, 1<<20)
	for i := range body {
		body[i] = byte(i % 233)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end := len(body) - 1
		if parts[1] != "" {
			end, _ = strconv.Atoi(parts[1])
			if end >= len(body) {
				end = len(body) - 1
			}
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
	defer srv.Close()

	opts, target := newTestOptions(t, srv.URL)
	opts.SetThreadNum(2)

	dl := New(opts)
	resultCh := dl.Start()

	time.Sleep(20 * time.Millisecond)
	dl.Pause()
	assert.Equal(t, StatePaused, dl.State())

	time.Sleep(30 * time.Millisecond)
	dl.Resume()

	time.Sleep(20 * time.Millisecond)
	dl.Stop()

	result := <-resultCh
	assert.Contains(t, []Result{Canceled, Successed}, result)

	if result == Successed {
		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, body, got)
	}
}
