// Package downloader implements the blocking transfer primitive the queue
// delegates to: one HTTP GET streamed to disk with progress reporting and
// an inactivity watchdog.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
)

const (
	// DefaultInactivityTimeout aborts a transfer when no bytes arrive
	// within the window. Stalled CDN connections otherwise hang forever.
	DefaultInactivityTimeout = 60 * time.Second

	copyBufferSize   = 32 * 1024
	progressInterval = 500 * time.Millisecond
	watchdogInterval = time.Second
)

// TransferError is a failed transfer attempt: connection failure, bad
// status, or a write error partway through. It marks the URL as a candidate
// for the fallback variant.
type TransferError struct {
	URL string
	Err error
}

// Error implements the error interface for TransferError.
func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed for %s: %v", e.URL, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransferError) Unwrap() error { return e.Err }

// TimeoutError is a transfer aborted by the inactivity watchdog.
type TimeoutError struct {
	URL  string
	Idle time.Duration
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transfer stalled for %s after %s of inactivity", e.URL, e.Idle)
}

// HTTPDownloader streams URLs into an output directory. Transfers go to a
// temp file first and are renamed on completion, so a partial download never
// shadows a finished one.
type HTTPDownloader struct {
	outputDir         string
	httpClient        *http.Client
	inactivityTimeout time.Duration
	showProgress      bool
	logger            *slog.Logger
}

// New creates a downloader writing into outputDir. A nil client gets a
// fresh one with no overall timeout; transfer lifetime is bounded by the
// inactivity watchdog instead, since large recordings legitimately take
// longer than any fixed request timeout.
func New(outputDir string, httpClient *http.Client, inactivityTimeout time.Duration, showProgress bool, logger *slog.Logger) *HTTPDownloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDownloader{
		outputDir:         outputDir,
		httpClient:        httpClient,
		inactivityTimeout: inactivityTimeout,
		showProgress:      showProgress,
		logger:            logger,
	}
}

// SupportsCancel reports that in-flight transfers honor context
// cancellation.
func (d *HTTPDownloader) SupportsCancel() bool { return true }

// Download fetches rawURL into <outputDir>/<name>, reporting progress via
// onProgress (throttled; total is -1 when the server sends no
// Content-Length). Blocks until the transfer finishes, fails, stalls past
// the inactivity window, or ctx is cancelled.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, name string, onProgress func(loaded, total int64)) error {
	if err := os.MkdirAll(d.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return &TransferError{URL: rawURL, Err: err}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &TransferError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransferError{URL: rawURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	total := resp.ContentLength // -1 when unknown

	tempPath := filepath.Join(d.outputDir, name+".tmp")
	finalPath := filepath.Join(d.outputDir, name)

	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tempPath)

	// Watchdog: cancel the request when no bytes arrive for a full window.
	var lastActivity atomic.Int64
	var stalled atomic.Bool
	lastActivity.Store(time.Now().UnixNano())

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle >= d.inactivityTimeout {
					stalled.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	copyErr := d.copyWithProgress(out, resp.Body, total, &lastActivity, onProgress)

	cancel()
	<-watchdogDone

	if closeErr := out.Close(); copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		if stalled.Load() {
			return &TimeoutError{URL: rawURL, Idle: d.inactivityTimeout}
		}
		if errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, context.DeadlineExceeded) {
			return copyErr
		}
		return &TransferError{URL: rawURL, Err: copyErr}
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	d.logger.Info("Download complete", "file", name, "url", rawURL)
	return nil
}

func (d *HTTPDownloader) copyWithProgress(dst io.Writer, src io.Reader, total int64, lastActivity *atomic.Int64, onProgress func(loaded, total int64)) error {
	var bar *pb.ProgressBar
	if d.showProgress {
		if total > 0 {
			bar = pb.Full.Start64(total)
		} else {
			bar = pb.Full.Start64(0)
		}
		defer bar.Finish()
	}

	buffer := make([]byte, copyBufferSize)
	var loaded int64
	lastReport := time.Now()

	for {
		n, readErr := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return writeErr
			}
			loaded += int64(n)
			lastActivity.Store(time.Now().UnixNano())
			if bar != nil {
				bar.Add(n)
			}

			if onProgress != nil && time.Since(lastReport) >= progressInterval {
				onProgress(loaded, total)
				lastReport = time.Now()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if onProgress != nil {
					onProgress(loaded, total)
				}
				return nil
			}
			return readErr
		}
	}
}
