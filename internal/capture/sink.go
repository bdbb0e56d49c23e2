package capture

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const sinkPollInterval = 350 * time.Millisecond

// Sink is an idempotent set of media URLs observed on the wire. It serves
// as the fallback discovery path when the metadata API is unavailable:
// the queue's handoff claims a usable URL from it.
//
// Capture and consumption are tracked separately: the tap records every
// media URL it sees, including the queue's own transfers, so a URL that a
// task has already downloaded must never be handed to another task.
type Sink struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	consumed map[string]struct{}
	order    []string
	logger   *slog.Logger
}

// NewSink creates an empty sink.
func NewSink(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		seen:     make(map[string]struct{}),
		consumed: make(map[string]struct{}),
		logger:   logger,
	}
}

// Add records a media URL once. Non-media URLs and duplicates are silently
// ignored; the return value reports whether the URL was new. source names
// where the URL was observed and only feeds the log line.
func (s *Sink) Add(rawURL, source string) bool {
	if !IsMediaURL(rawURL) {
		return false
	}

	s.mu.Lock()
	if _, ok := s.seen[rawURL]; ok {
		s.mu.Unlock()
		return false
	}
	s.seen[rawURL] = struct{}{}
	s.order = append(s.order, rawURL)
	total := len(s.order)
	s.mu.Unlock()

	s.logger.Info("Captured media URL", "source", source, "url", rawURL, "total", total)
	return true
}

// Len returns the number of distinct URLs captured so far.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Snapshot returns the captured URLs in observation order.
func (s *Sink) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Consume marks a URL as used by a download so it is never claimed by
// another task. URLs not captured yet may be consumed ahead of time.
func (s *Sink) Consume(rawURL string) {
	if rawURL == "" {
		return
	}
	s.mu.Lock()
	s.consumed[rawURL] = struct{}{}
	s.mu.Unlock()
}

// claimMatch atomically takes the first unconsumed captured URL containing
// substr. An empty substr matches any captured URL.
func (s *Sink) claimMatch(substr string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.order {
		if _, used := s.consumed[u]; used {
			continue
		}
		if substr == "" || strings.Contains(u, substr) {
			s.consumed[u] = struct{}{}
			return u
		}
	}
	return ""
}

// ClaimMatch polls until an unconsumed captured URL containing substr can
// be claimed or maxWait elapses. The returned URL is marked consumed, so
// concurrent claimants never receive the same one. Returns empty on timeout
// or context cancellation.
func (s *Sink) ClaimMatch(ctx context.Context, substr string, maxWait time.Duration) string {
	if u := s.claimMatch(substr); u != "" {
		return u
	}

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(sinkPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
			if u := s.claimMatch(substr); u != "" {
				return u
			}
			if time.Now().After(deadline) {
				return ""
			}
		}
	}
}

// IsMediaURL reports whether a URL carries the media-file marker. Blob URLs
// are pseudo-media the downloader cannot fetch.
func IsMediaURL(rawURL string) bool {
	if rawURL == "" || strings.HasPrefix(rawURL, "blob:") {
		return false
	}
	return strings.Contains(rawURL, ".mp4")
}
