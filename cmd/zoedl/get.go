package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/b97tsk/zoedl/engine"
)

var (
	flagOutput       string
	flagThreads      int
	flagMaxSpeed     int64
	flagCacheSize    int64
	flagHashType     string
	flagExpectHash   string
	flagSlicePolicy  string
	flagPauseOnStart bool
	flagHead         bool
	flagConnTimeout  time.Duration
	flagReadTimeout  time.Duration
	flagRetry        int
	flagProxy        string
	flagInsecure     bool
	flagHeaders      []string
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "download url, resuming a prior attempt if a matching index is found",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	flags := getCmd.Flags()
	flags.StringVarP(&flagOutput, "output", "o", "", "target file path (defaults to the last element of the URL)")
	flags.IntVar(&flagThreads, "threads", 4, "number of concurrent slices, 1 for single-slice, 0 or less for the default of 4")
	flags.Int64Var(&flagMaxSpeed, "max-speed", -1, "aggregate speed cap in bytes/sec, -1 for unlimited")
	flags.Int64Var(&flagCacheSize, "cache-size", 16<<20, "aggregate in-RAM buffer budget in bytes")
	flags.StringVar(&flagHashType, "hash-type", "md5", "digest algorithm: md5, sha256, or crc32")
	flags.StringVar(&flagExpectHash, "expect-hash", "", "expected hex digest; enables verification when set")
	flags.StringVar(&flagSlicePolicy, "slice-policy", "save", "uncompleted-slice policy on non-success exit: save or discard")
	flags.BoolVar(&flagPauseOnStart, "pause-on-start", false, "start paused; useful when driving the engine from a script")
	flags.BoolVar(&flagHead, "head", false, "probe with HEAD instead of a bodyless GET")
	flags.DurationVar(&flagConnTimeout, "connect-timeout", 10*time.Second, "TCP connect timeout")
	flags.DurationVar(&flagReadTimeout, "read-timeout", 30*time.Second, "per-read stall timeout")
	flags.IntVar(&flagRetry, "fetch-retry", 3, "probe retry count before giving up")
	flags.StringVar(&flagProxy, "proxy", "", "proxy URL")
	flags.BoolVar(&flagInsecure, "insecure", false, "skip TLS certificate verification")
	flags.StringArrayVarP(&flagHeaders, "header", "H", nil, "extra request header 'Key: Value', repeatable")

	_ = viper.BindPFlags(flags)
}

// runGet reads every option through viper rather than the flagXxx
// package vars directly, so a value set in zoedl.yaml or a ZOEDL_* env
// var takes effect whenever the corresponding flag was left at its
// default (BindPFlags in init gives an explicitly passed flag priority
// over both).
func runGet(cmd *cobra.Command, args []string) error {
	rawURL := args[0]

	output := viper.GetString("output")
	if output == "" {
		output = filepath.Base(rawURL)
	}

	hashType, err := parseHashType(viper.GetString("hash-type"))
	if err != nil {
		return err
	}
	slicePolicy, err := parseSlicePolicy(viper.GetString("slice-policy"))
	if err != nil {
		return err
	}

	opts := engine.NewDownloadOptions(rawURL, output).
		SetThreadNum(viper.GetInt("threads")).
		SetMaxSpeed(viper.GetInt64("max-speed")).
		SetDiskCacheSize(viper.GetInt64("cache-size")).
		SetSlicePolicy(slicePolicy).
		SetConnectTimeout(viper.GetDuration("connect-timeout")).
		SetReadTimeout(viper.GetDuration("read-timeout")).
		SetFetchInfoRetry(viper.GetInt("fetch-retry")).
		SetUseHeadMethod(viper.GetBool("head")).
		SetProxyURL(viper.GetString("proxy")).
		SetTLSVerify(!viper.GetBool("insecure")).
		SetVerboseCallback(func(msg string) { log.Debug().Msg(msg) })

	expectHash := viper.GetString("expect-hash")
	if expectHash != "" {
		opts.SetHashVerify(engine.HashAlwaysVerify, hashType, expectHash)
	}

	for _, h := range viper.GetStringSlice("header") {
		k, v, ok := splitHeader(h)
		if !ok {
			return fmt.Errorf("malformed header %q, want 'Key: Value'", h)
		}
		opts.SetHeader(k, v)
	}

	stop := engine.NewEventFlag()
	opts.SetUserStopEvent(stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var lastTotal, lastDownloaded int64
	opts.SetProgressCallback(func(total, downloaded int64) {
		lastTotal, lastDownloaded = total, downloaded
		printProgress(total, downloaded)
	})
	opts.SetSpeedCallback(func(bps int64) {
		printSpeed(lastTotal, lastDownloaded, bps)
	})

	dl := engine.New(opts)
	resultCh := dl.Start()

	go func() {
		if _, ok := <-sigCh; ok {
			log.Warn().Msg("signal received, cancelling")
			dl.Stop()
		}
	}()

	if viper.GetBool("pause-on-start") {
		dl.Pause()
	}

	result := <-resultCh
	fmt.Fprintln(os.Stderr)

	if !result.Succeeded() {
		return fmt.Errorf("%s", result)
	}
	log.Info().Str("file", output).Msg("download complete")
	return nil
}

func printProgress(total, downloaded int64) {
	if total < 0 {
		fmt.Fprintf(os.Stderr, "\r%s downloaded", humanize.Bytes(uint64(downloaded)))
		return
	}
	pct := float64(0)
	if total > 0 {
		pct = float64(downloaded) / float64(total) * 100
	}
	fmt.Fprintf(os.Stderr, "\r%s / %s (%.1f%%)", humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)), pct)
}

func printSpeed(total, downloaded, bps int64) {
	fmt.Fprintf(os.Stderr, "  %s/s", humanize.Bytes(uint64(bps)))
}

func parseHashType(s string) (engine.HashType, error) {
	switch s {
	case "md5":
		return engine.HashMD5, nil
	case "sha256":
		return engine.HashSHA256, nil
	case "crc32":
		return engine.HashCRC32, nil
	default:
		return 0, fmt.Errorf("unknown hash type %q, want md5, sha256, or crc32", s)
	}
}

func parseSlicePolicy(s string) (engine.SlicePolicy, error) {
	switch s {
	case "save":
		return engine.SliceSaveExceptFailed, nil
	case "discard":
		return engine.SliceAlwaysDiscard, nil
	default:
		return 0, fmt.Errorf("unknown slice policy %q, want save or discard", s)
	}
}

func splitHeader(h string) (key, value string, ok bool) {
	for i := 0; i < len(h); i++ {
		if h[i] == ':' {
			key = h[:i]
			value = h[i+1:]
			for len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
			return key, value, true
		}
	}
	return "", "", false
}
