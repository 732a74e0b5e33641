package engine

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const _probeFTPPending = 350

// FileInfo is the outcome of a transfer probe: the remote size, content
// hash (if advertised), the post-redirect URL, and whether the server
// honors byte-range requests.
type FileInfo struct {
	FileSize     int64 // -1 if unknown
	ContentMD5   string
	RedirectURL  string
	AcceptRanges bool
}

// probe issues a single request (HEAD if useHead, otherwise a bodyless
// GET) and extracts FileInfo from the response.
func probe(ctx context.Context, client *http.Client, rawURL string, headers http.Header, useHead bool) (*FileInfo, error) {
	method := http.MethodGet
	if useHead {
		method = http.MethodHead
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Accept 200, plus 350 (FTP's "pending further information" code),
	// which is kept only as a compatibility shim.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != _probeFTPPending {
		return nil, &probeStatusError{resp.StatusCode, resp.Status}
	}

	info := &FileInfo{FileSize: -1, AcceptRanges: true}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.FileSize = n
		}
	}
	info.ContentMD5 = resp.Header.Get("Content-MD5")

	if ar := strings.ToLower(resp.Header.Get("Accept-Ranges")); ar == "none" {
		info.AcceptRanges = false
	}

	if resp.Request != nil && resp.Request.URL != nil {
		if final := resp.Request.URL.String(); final != rawURL {
			info.RedirectURL = final
		}
	}

	return info, nil
}

type probeStatusError struct {
	StatusCode int
	Status     string
}

func (e *probeStatusError) Error() string { return "probe failed: " + e.Status }

// probeWithRetry retries the probe up to retries times, failing fast if
// either stop event fires in between attempts.
func probeWithRetry(
	ctx context.Context,
	client *http.Client,
	rawURL string,
	headers http.Header,
	useHead bool,
	retries int,
	internalStop, userStop *EventFlag,
) (*FileInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if internalStop.IsSet() || (userStop != nil && userStop.IsSet()) {
			return nil, context.Canceled
		}
		info, err := probe(ctx, client, rawURL, headers, useHead)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}
