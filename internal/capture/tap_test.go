package capture

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTap(t *testing.T) (*Tap, *TokenCache, *Sink) {
	t.Helper()
	tokens := NewTokenCache(nil, "", "", "", nil)
	sink := NewSink(nil)
	return NewTap(nil, tokens, sink, nil), tokens, sink
}

func TestTapCapturesTokenFromQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tap, tokens, _ := newTestTap(t)
	client := &http.Client{Transport: tap}

	resp, err := client.Get(server.URL + "/Video/GetVideoInfoDtoByID?csrkToken=abcdef123&NewId=x")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "abcdef123", tokens.Current())
}

func TestTapCapturesTokenFromBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"form encoded", "application/x-www-form-urlencoded", "NewId=x&csrkToken=abcdef123"},
		{"json object", "application/json", `{"NewId":"x","csrkToken":"abcdef123"}`},
		{"json capitalized key", "application/json", `{"CsrkToken":"abcdef123"}`},
		{
			"multipart form", `multipart/form-data; boundary="b"`,
			"--b\r\nContent-Disposition: form-data; name=\"csrkToken\"\r\n\r\nabcdef123\r\n--b--\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.Write([]byte(`{}`))
			}))
			defer server.Close()

			tap, tokens, _ := newTestTap(t)
			client := &http.Client{Transport: tap}

			resp, err := client.Post(server.URL+"/Video/GetVideoInfoDtoByID", tt.contentType, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()

			require.Equal(t, "abcdef123", tokens.Current())
			// The tap must restore the body it inspected
			require.Equal(t, tt.body, gotBody)
		})
	}
}

func TestTapIgnoresTokenOnOtherPaths(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tap, tokens, _ := newTestTap(t)
	client := &http.Client{Transport: tap}

	resp, err := client.Get(server.URL + "/Video/Other?csrkToken=abcdef123")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "", tokens.Current())
}

func TestTapRecordsMediaRequestURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer server.Close()

	tap, _, sink := newTestTap(t)
	client := &http.Client{Transport: tap}

	resp, err := client.Get(server.URL + "/vod/VGA.mp4?authKey=1")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, 1, sink.Len())
	require.Contains(t, sink.Snapshot()[0], "/vod/VGA.mp4?authKey=1")
}

func TestTapScansResponseBodies(t *testing.T) {
	payload := `{"Value":{"PlayFileUri":"https://tmuvod.smartclass.cn/rec/VGA.mp4?authKey=abc"},"other":"https://tmuvod.smartclass.cn/rec2/VGA.mp4"}`

	tests := []struct {
		name        string
		contentType string
		wantURLs    int
	}{
		{"json response", "application/json", 2},
		{"text response", "text/plain", 2},
		{"javascript response", "application/javascript", 2},
		{"binary response not scanned", "application/octet-stream", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.Write([]byte(payload))
			}))
			defer server.Close()

			tap, _, sink := newTestTap(t)
			client := &http.Client{Transport: tap}

			resp, err := client.Get(server.URL + "/api/info")
			require.NoError(t, err)

			// The caller must still see the full body
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, payload, string(body))

			require.Equal(t, tt.wantURLs, sink.Len())
		})
	}
}

func TestTapObserveAttribute(t *testing.T) {
	tap, _, sink := newTestTap(t)

	tap.ObserveAttribute("video", "src", "https://x/clip.mp4")
	tap.ObserveAttribute("SOURCE", "src", "https://x/clip2.mp4")
	require.Equal(t, 2, sink.Len())

	// Wrong tag or attribute is ignored
	tap.ObserveAttribute("img", "src", "https://x/clip3.mp4")
	tap.ObserveAttribute("video", "poster", "https://x/clip4.mp4")
	require.Equal(t, 2, sink.Len())
}

func TestTapSweepRecoversLoggedURLs(t *testing.T) {
	tokens := NewTokenCache(nil, "", "", "", nil)
	sink := NewSink(nil)
	tap := NewTap(nil, tokens, sink, nil)

	// Simulate a URL that flowed through before consumers were ready
	tap.recordAccess("https://tmuvod.smartclass.cn/early/VGA.mp4")
	require.Equal(t, 0, sink.Len())

	tap.Sweep()
	require.Equal(t, 1, sink.Len())

	// Sweeping again is idempotent
	tap.Sweep()
	require.Equal(t, 1, sink.Len())
}

func TestTapObservationNeverPanicsOutward(t *testing.T) {
	tap, _, _ := newTestTap(t)

	require.NotPanics(t, func() {
		tap.ObserveRequest(nil)
		tap.ObserveResponse(nil, nil)
		tap.ObserveAttribute("", "", "")
	})
}
