package engine

// Result is the terminal status of a Download run. Apart from Unknown
// and Successed, the values are grouped below by where they arise:
// cancellation, precondition violations, transport setup, filesystem,
// resume acceptance, probe, finalization, and per-slice transport
// failures.
type Result int

const (
	Unknown Result = iota

	// Successed is returned once the target file has been merged,
	// truncated, optionally hash-verified, and renamed into place.
	Successed

	// Canceled overrides any concurrently observed failure once stop
	// has been requested.
	Canceled

	// Precondition violations, reported synchronously from Start.
	InvalidURL
	InvalidIndexFormat
	InvalidTargetFilePath
	InvalidThreadNum
	InvalidHashPolicy
	InvalidSlicePolicy
	InvalidNetworkConnTimeout
	InvalidNetworkReadTimeout
	InvalidFetchFileInfoRetryTimes
	InvalidDiskCacheSize
	InvalidRedirectedURL
	InvalidHTTPHeaders
	InvalidProxy
	AlreadyDownloading

	// Transport/runtime setup failures.
	InitCurlFailed
	InitCurlMultiFailed
	SetCurlOptionFailed
	AddCurlHandleFailed

	// Filesystem failures.
	CreateTargetFileFailed
	CreateTmpFileFailed
	OpenTmpFileFailed
	InitTmpFileFailed
	TmpFileCannotRW
	TmpFileCannotSeek
	TmpFileSizeError
	OpenIndexFileFailed

	// Resume-acceptance failures.
	URLDifferent
	TmpFileExpired

	// Probe failures.
	FetchFileInfoFailed

	// Finalization failures.
	HashVerifyNotPass
	CalculateHashFailed
	RenameTmpFileFailed
	VerifyFileIntegrityFailed

	// Per-slice transport failures, exhausted with no other slice able
	// to make progress.
	SliceDownloadFailed

	UnknownError
)

var resultNames = map[Result]string{
	Unknown:                        "UNKNOWN",
	Successed:                      "SUCCESSED",
	Canceled:                       "CANCELED",
	InvalidURL:                     "INVALID_URL",
	InvalidIndexFormat:             "INVALID_INDEX_FORMAT",
	InvalidTargetFilePath:          "INVALID_TARGET_FILE_PATH",
	InvalidThreadNum:               "INVALID_THREAD_NUM",
	InvalidHashPolicy:              "INVALID_HASH_POLICY",
	InvalidSlicePolicy:             "INVALID_SLICE_POLICY",
	InvalidNetworkConnTimeout:      "INVALID_NETWORK_CONN_TIMEOUT",
	InvalidNetworkReadTimeout:      "INVALID_NETWORK_READ_TIMEOUT",
	InvalidFetchFileInfoRetryTimes: "INVALID_FETCH_FILE_INFO_RETRY_TIMES",
	InvalidDiskCacheSize:           "INVALID_DISK_CACHE_SIZE",
	InvalidRedirectedURL:           "INVALID_REDIRECTED_URL",
	InvalidHTTPHeaders:             "INVALID_HTTP_HEADERS",
	InvalidProxy:                   "INVALID_PROXY",
	AlreadyDownloading:             "ALREADY_DOWNLOADING",
	InitCurlFailed:                 "INIT_CURL_FAILED",
	InitCurlMultiFailed:            "INIT_CURL_MULTI_FAILED",
	SetCurlOptionFailed:            "SET_CURL_OPTION_FAILED",
	AddCurlHandleFailed:            "ADD_CURL_HANDLE_FAILED",
	CreateTargetFileFailed:         "CREATE_TARGET_FILE_FAILED",
	CreateTmpFileFailed:            "CREATE_TMP_FILE_FAILED",
	OpenTmpFileFailed:              "OPEN_TMP_FILE_FAILED",
	InitTmpFileFailed:              "INIT_TMP_FILE_FAILED",
	TmpFileCannotRW:                "TMP_FILE_CANNOT_RW",
	TmpFileCannotSeek:              "TMP_FILE_CANNOT_SEEK",
	TmpFileSizeError:               "TMP_FILE_SIZE_ERROR",
	OpenIndexFileFailed:            "OPEN_INDEX_FILE_FAILED",
	URLDifferent:                   "URL_DIFFERENT",
	TmpFileExpired:                 "TMP_FILE_EXPIRED",
	FetchFileInfoFailed:            "FETCH_FILE_INFO_FAILED",
	HashVerifyNotPass:              "HASH_VERIFY_NOT_PASS",
	CalculateHashFailed:            "CALCULATE_HASH_FAILED",
	RenameTmpFileFailed:            "RENAME_TMP_FILE_FAILED",
	VerifyFileIntegrityFailed:      "VERIFY_FILE_INTEGRITY_FAILED",
	SliceDownloadFailed:            "SLICE_DOWNLOAD_FAILED",
	UnknownError:                   "UNKNOWN_ERROR",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// Succeeded reports whether r is the one successful terminal value.
func (r Result) Succeeded() bool {
	return r == Successed
}
