// Package naming derives safe, collision-free filenames for lecture
// recordings from page metadata and API metadata.
package naming

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultBasename is used when no usable metadata is available.
	DefaultBasename = "lecture"

	// UnknownTeacher is substituted when the API returns an empty teacher list.
	UnknownTeacher = "unknown-teacher"
)

var (
	unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]`)
	whitespace  = regexp.MustCompile(`\s+`)

	// Meta text layout on the recommendation list:
	// "<course> <teacher> <room> 2025-12-12 08:00:00-08:45:00"
	metaPattern = regexp.MustCompile(`^(.*)\s+(\d{4}-\d{2}-\d{2})\s+(\d{2}:\d{2}):\d{2}-(\d{2}:\d{2}):\d{2}$`)
	datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// Sanitize strips filesystem-hostile characters and collapses whitespace.
func Sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// FromMeta builds a filename from a recommendation-list meta line, e.g.
// "2025-12-12_Physiology_Zhang_Room2_08-00-08-45.mp4". Meta text that does
// not match the expected layout falls back to the sanitized raw text.
func FromMeta(meta string) string {
	raw := strings.TrimSpace(meta)
	m := metaPattern.FindStringSubmatch(raw)
	if m == nil {
		if raw == "" {
			raw = DefaultBasename
		}
		return Sanitize(raw) + ".mp4"
	}
	prefix := whitespace.ReplaceAllString(strings.TrimSpace(m[1]), "_")
	start := strings.ReplaceAll(m[3], ":", "-")
	stop := strings.ReplaceAll(m[4], ":", "-")
	return Sanitize(fmt.Sprintf("%s_%s_%s-%s.mp4", m[2], prefix, start, stop))
}

// MetaDate extracts the calendar date embedded in a meta line. The second
// return value is false when no date is present or it does not parse.
func MetaDate(meta string) (time.Time, bool) {
	s := datePattern.FindString(meta)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FromAPI builds a filename from resolved lecture metadata:
// "<date>_<course>_<teacher>_<room>_<start>-<stop>.mp4". Timestamps are the
// API's "2006-01-02 15:04:05" strings; only the date and hh:mm portions are
// used, so a malformed timestamp degrades to whatever prefix is present.
func FromAPI(courseName, teacher, classroom, startTime, stopTime string) string {
	if teacher == "" {
		teacher = UnknownTeacher
	}
	if courseName == "" {
		courseName = DefaultBasename
	}
	date := sliceString(startTime, 0, 10)
	start := strings.ReplaceAll(sliceString(startTime, 11, 16), ":", "-")
	stop := strings.ReplaceAll(sliceString(stopTime, 11, 16), ":", "-")
	return Sanitize(fmt.Sprintf("%s_%s_%s_%s_%s-%s.mp4", date, courseName, teacher, classroom, start, stop))
}

// WithSegmentIndex disambiguates filenames for multi-segment lectures by
// inserting a positional suffix before the extension. Single-segment
// lectures keep the plain name.
func WithSegmentIndex(filename string, index, total int) string {
	if total <= 1 {
		return filename
	}
	suffix := fmt.Sprintf("_seg%d", index+1)
	if i := strings.LastIndex(filename, "."); i > 0 {
		return filename[:i] + suffix + filename[i:]
	}
	return filename + suffix
}

// HumanBytes formats a byte count for log lines. Negative counts mean the
// size is unknown.
func HumanBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func sliceString(s string, from, to int) string {
	if from >= len(s) {
		return ""
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}
