package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"time"

	observable "github.com/b97tsk/rx"
	"golang.org/x/net/publicsuffix"
)

const _readBufferSize = 32 * 1024

// newHTTPClient builds the single http.Client shared by the probe and
// every slice transfer of a run. The cookie jar uses publicsuffix.List
// so cookies only flow back to hosts allowed to set them.
func newHTTPClient(o *DownloadOptions) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	if len(o.cookies) > 0 {
		if u, err := url.Parse(o.url); err == nil {
			jar.SetCookies(u, o.cookies)
		}
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !o.tlsVerify},
	}

	if o.caBundle != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(o.caBundle)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", o.caBundle)
		}
		transport.TLSClientConfig.RootCAs = pool
	}

	if o.proxyURL != "" {
		proxy, err := url.Parse(o.proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	transport.DialContext = (&net.Dialer{Timeout: o.connectTimeout}).DialContext

	return &http.Client{Jar: jar, Transport: transport}, nil
}

// sliceProgress is emitted each time bytes are read from the wire for a
// slice.
type sliceProgress struct{ N int }

// sliceResponded is emitted once the first response headers for a
// slice's attempt are in.
type sliceResponded struct{}

// sliceDone is emitted exactly once per attempt, terminal for that
// attempt's Observable.
type sliceDone struct {
	Err   error
	Fatal bool // range request was not honored; caller should restart single-sliced
}

// errRangeIgnored is a Fatal sliceDone error: the server answered a
// ranged request with a full 200 body instead of 206, so a Range
// request isn't honored at all and the caller must restart single-sliced.
var errRangeIgnored = errors.New("server ignored Range header")

// startSliceTransfer issues one ranged GET for slc's current unfetched
// region and streams the body into slc's buffer, flushing through file.
func startSliceTransfer(client *http.Client, file *os.File, slc *Slice, rawURL string, headers http.Header, readTimeout time.Duration) observable.Observable {
	create := func(parent context.Context, ob observable.Observer) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)

		fail := func(err error, fatal bool) {
			ob.Next(sliceDone{Err: err, Fatal: fatal})
			ob.Complete()
			cancel()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			fail(err, false)
			return ctx, cancel
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Range", slc.rangeHeader())

		resp, err := client.Do(req)
		if err != nil {
			fail(err, false)
			return ctx, cancel
		}

		if resp.StatusCode == http.StatusOK {
			// A 200 in response to a ranged request is only tolerable
			// when this slice was requesting the resource from its
			// first byte anyway (the single-slice, no-range-support
			// case); otherwise the server ignored Range entirely and
			// the coordinator must restart single-sliced.
			if slc.Begin+slc.Downloaded != 0 {
				resp.Body.Close()
				fail(errRangeIgnored, true)
				return ctx, cancel
			}
		} else if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != 350 {
			resp.Body.Close()
			fail(fmt.Errorf("unexpected status: %s", resp.Status), false)
			return ctx, cancel
		}

		slc.markDownloading()
		ob.Next(sliceResponded{})

		go func() {
			var readErr error
			readTimer := time.AfterFunc(readTimeout, cancel)
			defer func() {
				readTimer.Stop()
				resp.Body.Close()
				if slc.NeedsFlush() {
					slc.Flush(file)
				}
				fail(readErr, false)
			}()

			body := throttledReader(ctx, resp.Body, slc.limiter)
			buf := make([]byte, _readBufferSize)
			for {
				n, err := body.Read(buf)
				readTimer.Reset(readTimeout)
				if n > 0 {
					if _, werr := slc.OnBytes(file, buf[:n]); werr != nil {
						readErr = werr
						return
					}
					ob.Next(sliceProgress{N: n})
				}
				if err != nil {
					if !errors.Is(err, io.EOF) {
						readErr = err
					}
					return
				}
			}
		}()

		return ctx, cancel
	}

	return observable.Create(create)
}
