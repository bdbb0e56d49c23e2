package smartclass

import (
	"fmt"
	"strings"
)

const (
	descriptorSuffix = "content.html"
	mediaFilename    = "VGA.mp4"
)

// ResolutionError marks a play descriptor that could not be turned into any
// downloadable URL. The owning segment is skipped, not the whole lecture.
type ResolutionError struct {
	Descriptor string
}

// Error implements the error interface for ResolutionError.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unusable play descriptor: %q", e.Descriptor)
}

// ResolveSegment derives the two download candidates from a play
// descriptor. The descriptor points at a player page ending in content.html,
// optionally carrying an access-key query; the media file lives at VGA.mp4
// next to it.
//
// keyed keeps the query string and is tried first; bare drops it and serves
// as the fallback for servers that reject or no longer honor the key. An
// unrecognized descriptor yields two empty strings.
func ResolveSegment(descriptor string) (keyed, bare string) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return "", ""
	}

	path, query, _ := strings.Cut(descriptor, "?")
	if !strings.HasSuffix(path, descriptorSuffix) {
		return "", ""
	}

	base := strings.TrimSuffix(path, descriptorSuffix) + mediaFilename
	keyed = base
	if query != "" {
		keyed = base + "?" + query
	}
	return keyed, base
}
