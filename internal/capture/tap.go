package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// MetadataPath is the endpoint whose requests carry the token.
	MetadataPath = "/Video/GetVideoInfoDtoByID"

	// DefaultSweepInterval is the cadence of the access-log resweep.
	DefaultSweepInterval = 1200 * time.Millisecond

	// Upper bounds on how much request/response body the tap will inspect.
	maxBodyScan     = 1 << 20 // request bodies: 1 MiB
	maxResponseScan = 8 << 20 // response bodies: 8 MiB

	accessLogSize = 256
)

var mediaURLPattern = regexp.MustCompile(`https?://[^"'\\\s]+\.mp4[^"'\\\s]*`)

// RequestObserver receives every request/response pair the hosting process
// issues plus DOM-style attribute mutations. Tap is the canonical
// implementation; the interface exists so collaborators can be tested
// against lighter doubles.
type RequestObserver interface {
	ObserveRequest(req *http.Request)
	ObserveResponse(req *http.Request, resp *http.Response)
	ObserveAttribute(tag, attr, value string)
}

// Tap passively observes traffic flowing through an http.Client without
// altering it, feeding the token cache and the media URL sink. It is
// installed as the client's transport.
//
// Every observation is best-effort: malformed bodies, broken URLs and
// unexpected shapes are swallowed and treated as "nothing found". The tap
// must never make the tapped request fail.
type Tap struct {
	base   http.RoundTripper
	tokens *TokenCache
	sink   *Sink
	logger *slog.Logger

	// Ring of recently observed request URLs, rescanned by the sweep as a
	// safety net for URLs seen before the consumers were attached.
	mu        sync.Mutex
	accessLog [accessLogSize]string
	accessPos int
}

// NewTap wraps base (http.DefaultTransport when nil) with passive capture.
func NewTap(base http.RoundTripper, tokens *TokenCache, sink *Sink, logger *slog.Logger) *Tap {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tap{
		base:   base,
		tokens: tokens,
		sink:   sink,
		logger: logger,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Tap) RoundTrip(req *http.Request) (*http.Response, error) {
	t.ObserveRequest(req)
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.ObserveResponse(req, resp)
	return resp, nil
}

// ObserveRequest extracts a token candidate when the request targets the
// metadata endpoint, and records media URLs.
func (t *Tap) ObserveRequest(req *http.Request) {
	defer t.recoverObservation("request")

	if req == nil || req.URL == nil {
		return
	}
	rawURL := req.URL.String()
	t.recordAccess(rawURL)

	if strings.EqualFold(req.URL.Path, MetadataPath) {
		tok := req.URL.Query().Get("csrkToken")
		if tok == "" {
			tok = t.tokenFromBody(req)
		}
		t.tokens.Remember(tok)
	}

	t.sink.Add(rawURL, "request")
}

// ObserveResponse scans textual response bodies for embedded media URLs.
// The body is replaced with an equivalent reader so the real consumer sees
// the exact original stream.
func (t *Tap) ObserveResponse(req *http.Request, resp *http.Response) {
	defer t.recoverObservation("response")

	if resp == nil || resp.Body == nil {
		return
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "json") && !strings.Contains(ct, "text") && !strings.Contains(ct, "javascript") {
		return
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseScan))
	if err != nil {
		// Body partially consumed; hand back what was read so the caller
		// still sees a prefix rather than nothing.
		resp.Body = splicedBody(buf, resp.Body)
		return
	}
	resp.Body = splicedBody(buf, resp.Body)

	for _, m := range mediaURLPattern.FindAllString(string(buf), -1) {
		t.sink.Add(m, "response")
	}
}

// ObserveAttribute is the DOM-mutation analog: an attribute change on a
// media-playing element. Only src attributes of video/source elements are
// interesting.
func (t *Tap) ObserveAttribute(tag, attr, value string) {
	defer t.recoverObservation("attribute")

	tag = strings.ToLower(tag)
	if attr != "src" || (tag != "video" && tag != "source") {
		return
	}
	t.sink.Add(value, "dom-attr")
}

// Sweep rescans the access log for media URLs. Defense in depth against
// URLs that flowed through before the sink existed or during startup gaps.
func (t *Tap) Sweep() {
	t.mu.Lock()
	entries := make([]string, 0, accessLogSize)
	for _, u := range t.accessLog {
		if u != "" {
			entries = append(entries, u)
		}
	}
	t.mu.Unlock()

	for _, u := range entries {
		t.sink.Add(u, "sweep")
	}
}

// StartSweep runs Sweep on a low-frequency ticker until ctx is done.
func (t *Tap) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

func (t *Tap) recordAccess(rawURL string) {
	t.mu.Lock()
	t.accessLog[t.accessPos] = rawURL
	t.accessPos = (t.accessPos + 1) % accessLogSize
	t.mu.Unlock()
}

// tokenFromBody digs a csrkToken out of a request body. Supports
// form/URL-encoded strings, JSON objects and multipart forms. The body is
// restored so the transport can still send it.
func (t *Tap) tokenFromBody(req *http.Request) string {
	if req.Body == nil {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(req.Body, maxBodyScan))
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(buf))
	if err != nil || len(buf) == 0 {
		return ""
	}

	ct := req.Header.Get("Content-Type")
	if mediaType, params, merr := mime.ParseMediaType(ct); merr == nil && strings.HasPrefix(mediaType, "multipart/") {
		return tokenFromMultipart(buf, params["boundary"])
	}

	body := strings.TrimSpace(string(buf))
	if body == "" {
		return ""
	}

	if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
		return tokenFromJSON(body)
	}

	if values, perr := url.ParseQuery(body); perr == nil {
		return values.Get("csrkToken")
	}
	return ""
}

func tokenFromJSON(body string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return ""
	}
	for _, key := range []string{"csrkToken", "CsrkToken"} {
		if v, ok := obj[key].(string); ok {
			return v
		}
	}
	return ""
}

func tokenFromMultipart(body []byte, boundary string) string {
	if boundary == "" {
		return ""
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		if part.FormName() == "csrkToken" {
			v, _ := io.ReadAll(io.LimitReader(part, 4096))
			return string(v)
		}
	}
}

func (t *Tap) recoverObservation(kind string) {
	if r := recover(); r != nil {
		t.logger.Warn("Observation panic swallowed", "kind", kind, "panic", r)
	}
}

// splicedBody rejoins the scanned prefix with whatever remains unread.
func splicedBody(read []byte, rest io.ReadCloser) io.ReadCloser {
	return &spliceReadCloser{
		Reader: io.MultiReader(bytes.NewReader(read), rest),
		closer: rest,
	}
}

type spliceReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s *spliceReadCloser) Close() error { return s.closer.Close() }
