package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HashType names the digest algorithm used for final integrity
// verification. CRC32 is offered alongside MD5/SHA256 as a cheaper
// whole-file checksum; no per-slice checksums are computed.
type HashType int

const (
	HashNone HashType = iota
	HashMD5
	HashSHA256
	HashCRC32
)

// HashPolicy decides whether the finalized target file is digested and
// compared against an expected value.
type HashPolicy int

const (
	HashNever HashPolicy = iota
	HashAlwaysVerify
)

// SlicePolicy decides what happens to partially-downloaded slice bytes
// when a run terminates without success.
type SlicePolicy int

const (
	SliceAlwaysDiscard SlicePolicy = iota
	SliceSaveExceptFailed
)

// DownloadState is the externally visible lifecycle state of a Download.
type DownloadState int

const (
	StateStopped DownloadState = iota
	StateDownloading
	StatePaused
)

func (s DownloadState) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// ResultCallback is invoked exactly once, at run termination.
type ResultCallback func(Result)

// ProgressCallback reports aggregate (total, downloaded) bytes.
// total is -1 when the remote size is unknown.
type ProgressCallback func(total, downloaded int64)

// SpeedCallback reports aggregate bytes/second, averaged over the most
// recent one-second samples.
type SpeedCallback func(bytesPerSecond int64)

// VerboseCallback is a diagnostic sink invoked at decision points. It
// never alters control flow.
type VerboseCallback func(message string)

// DownloadOptions is the input to a single run. Zero value is not
// directly usable; construct with NewDownloadOptions and use the setter
// methods.
type DownloadOptions struct {
	url        string
	targetPath string

	threadNum     int
	diskCacheSize int64
	maxSpeedBps   int64

	connectTimeout      time.Duration
	readTimeout         time.Duration
	requestRetry        int
	fetchInfoRetry      int
	sliceMaxFailedTimes int

	hashPolicy   HashPolicy
	hashType     HashType
	expectedHash string

	slicePolicy SlicePolicy

	headers   http.Header
	cookies   []*http.Cookie
	proxyURL  string
	caBundle  string
	tlsVerify bool

	useHeadMethod bool

	userStopEvent *EventFlag

	onResult   ResultCallback
	onProgress ProgressCallback
	onSpeed    SpeedCallback
	onVerbose  VerboseCallback
}

// NewDownloadOptions returns options populated with the engine's
// defaults.
func NewDownloadOptions(rawURL, targetPath string) *DownloadOptions {
	return &DownloadOptions{
		url:                 rawURL,
		targetPath:          targetPath,
		threadNum:           4,
		diskCacheSize:       16 << 20, // 16MiB
		maxSpeedBps:         -1,
		connectTimeout:      10 * time.Second,
		readTimeout:         30 * time.Second,
		requestRetry:        3,
		fetchInfoRetry:      3,
		sliceMaxFailedTimes: 5,
		hashPolicy:          HashNever,
		hashType:            HashMD5,
		slicePolicy:         SliceSaveExceptFailed,
		headers:             make(http.Header),
		tlsVerify:           true,
	}
}

func (o *DownloadOptions) SetThreadNum(n int) *DownloadOptions             { o.threadNum = n; return o }
func (o *DownloadOptions) SetDiskCacheSize(n int64) *DownloadOptions       { o.diskCacheSize = n; return o }
func (o *DownloadOptions) SetMaxSpeed(bps int64) *DownloadOptions          { o.maxSpeedBps = bps; return o }
func (o *DownloadOptions) SetConnectTimeout(d time.Duration) *DownloadOptions {
	o.connectTimeout = d
	return o
}
func (o *DownloadOptions) SetReadTimeout(d time.Duration) *DownloadOptions { o.readTimeout = d; return o }
func (o *DownloadOptions) SetRequestRetry(n int) *DownloadOptions          { o.requestRetry = n; return o }
func (o *DownloadOptions) SetFetchInfoRetry(n int) *DownloadOptions        { o.fetchInfoRetry = n; return o }
func (o *DownloadOptions) SetSliceMaxFailedTimes(n int) *DownloadOptions {
	o.sliceMaxFailedTimes = n
	return o
}
func (o *DownloadOptions) SetHashVerify(policy HashPolicy, typ HashType, expected string) *DownloadOptions {
	o.hashPolicy, o.hashType, o.expectedHash = policy, typ, expected
	return o
}
func (o *DownloadOptions) SetSlicePolicy(policy SlicePolicy) *DownloadOptions { o.slicePolicy = policy; return o }
func (o *DownloadOptions) SetHeader(key, value string) *DownloadOptions {
	o.headers.Set(key, value)
	return o
}
func (o *DownloadOptions) SetCookies(cookies []*http.Cookie) *DownloadOptions { o.cookies = cookies; return o }
func (o *DownloadOptions) SetProxyURL(proxy string) *DownloadOptions          { o.proxyURL = proxy; return o }
func (o *DownloadOptions) SetCABundle(path string) *DownloadOptions           { o.caBundle = path; return o }
func (o *DownloadOptions) SetTLSVerify(verify bool) *DownloadOptions          { o.tlsVerify = verify; return o }
func (o *DownloadOptions) SetUseHeadMethod(use bool) *DownloadOptions         { o.useHeadMethod = use; return o }
func (o *DownloadOptions) SetUserStopEvent(ev *EventFlag) *DownloadOptions    { o.userStopEvent = ev; return o }
func (o *DownloadOptions) SetResultCallback(cb ResultCallback) *DownloadOptions   { o.onResult = cb; return o }
func (o *DownloadOptions) SetProgressCallback(cb ProgressCallback) *DownloadOptions {
	o.onProgress = cb
	return o
}
func (o *DownloadOptions) SetSpeedCallback(cb SpeedCallback) *DownloadOptions { o.onSpeed = cb; return o }
func (o *DownloadOptions) SetVerboseCallback(cb VerboseCallback) *DownloadOptions {
	o.onVerbose = cb
	return o
}

func (o *DownloadOptions) verbose(format string, args ...interface{}) {
	if o.onVerbose == nil {
		return
	}
	o.onVerbose(fmt.Sprintf(format, args...))
}

// validate checks option preconditions, returning the first violated
// one. It never touches the network.
func (o *DownloadOptions) validate() Result {
	u, err := url.Parse(o.url)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return InvalidURL
	}
	if o.targetPath == "" {
		return InvalidTargetFilePath
	}
	if o.diskCacheSize <= 0 {
		return InvalidDiskCacheSize
	}
	if o.connectTimeout <= 0 {
		return InvalidNetworkConnTimeout
	}
	if o.readTimeout <= 0 {
		return InvalidNetworkReadTimeout
	}
	if o.fetchInfoRetry < 0 {
		return InvalidFetchFileInfoRetryTimes
	}
	if o.hashPolicy == HashAlwaysVerify && o.expectedHash == "" {
		return InvalidHashPolicy
	}
	if o.slicePolicy != SliceAlwaysDiscard && o.slicePolicy != SliceSaveExceptFailed {
		return InvalidSlicePolicy
	}
	if o.proxyURL != "" {
		if _, err := url.Parse(o.proxyURL); err != nil {
			return InvalidProxy
		}
	}
	return Unknown
}

// effectiveThreadNum resolves "≤0 means auto" into a concrete ceiling.
func (o *DownloadOptions) effectiveThreadNum() int {
	if o.threadNum > 0 {
		return o.threadNum
	}
	return 4
}
