package smartclass

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/ZJHSteven/smartclass-downloader/pkg/models"
	"github.com/ZJHSteven/smartclass-downloader/pkg/naming"
)

// ParseRecommendList extracts the orderable lectures from a video page's
// recommendation sidebar: the anchors under ul.about_video whose href points
// at Video.aspx with a NewID. pageURL resolves relative hrefs; each entry's
// meta text comes from the title attribute of its p.title child (falling
// back to the anchor text). Results are sorted by meta text, which sorts by
// date and start time given the platform's meta layout.
func ParseRecommendList(r io.Reader, pageURL string) ([]models.LectureRef, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	var refs []models.LectureRef
	seen := make(map[string]struct{})

	for _, list := range findAll(doc, isRecommendList) {
		for _, anchor := range findAll(list, isLectureAnchor) {
			ref, ok := lectureRefFromAnchor(anchor, base)
			if !ok {
				continue
			}
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			refs = append(refs, ref)
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Meta < refs[j].Meta })
	return refs, nil
}

// DiscoverLectures fetches a lecture page and returns the orderable
// lectures its recommendation sidebar lists.
func (c *Client) DiscoverLectures(ctx context.Context, pageURL string) ([]models.LectureRef, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lecture page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lecture page request failed with status %d", resp.StatusCode)
	}

	refs, err := ParseRecommendList(resp.Body, pageURL)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Discovered lectures", "page", pageURL, "count", len(refs))
	return refs, nil
}

// LatestDate returns the most recent lecture date present in refs. The
// second return value is false when no ref carries a parsed date.
func LatestDate(refs []models.LectureRef) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, ref := range refs {
		if ref.Date == nil {
			continue
		}
		if !found || ref.Date.After(latest) {
			latest = *ref.Date
			found = true
		}
	}
	return latest, found
}

// FilterByDate keeps only the refs whose lecture date matches day.
func FilterByDate(refs []models.LectureRef, day time.Time) []models.LectureRef {
	y, m, d := day.Date()
	var out []models.LectureRef
	for _, ref := range refs {
		if ref.Date == nil {
			continue
		}
		ry, rm, rd := ref.Date.Date()
		if ry == y && rm == m && rd == d {
			out = append(out, ref)
		}
	}
	return out
}

func lectureRefFromAnchor(anchor *html.Node, base *url.URL) (models.LectureRef, bool) {
	href := attrValue(anchor, "href")
	abs, err := base.Parse(href)
	if err != nil {
		return models.LectureRef{}, false
	}

	id := abs.Query().Get("NewID")
	if id == "" {
		id = abs.Query().Get("NewId")
	}
	if id == "" {
		return models.LectureRef{}, false
	}

	meta := anchorMeta(anchor)
	ref := models.LectureRef{
		ID:       id,
		PageURL:  abs.String(),
		Meta:     meta,
		Filename: naming.FromMeta(meta),
	}
	if d, ok := naming.MetaDate(meta); ok {
		ref.Date = &d
	}
	return ref, true
}

// anchorMeta prefers the title attribute of the anchor's p.title descendant,
// which carries the full untruncated meta line.
func anchorMeta(anchor *html.Node) string {
	for _, p := range findAll(anchor, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "p" && hasClass(n, "title")
	}) {
		if title := strings.TrimSpace(attrValue(p, "title")); title != "" {
			return title
		}
	}
	return strings.Join(strings.Fields(textContent(anchor)), " ")
}

func isRecommendList(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "ul" && hasClass(n, "about_video")
}

func isLectureAnchor(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "a" &&
		strings.Contains(attrValue(n, "href"), "Video.aspx?NewID=")
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
