package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// NovelExtractor extracts story text from chapter HTML. Pre-cleaned text
// assets pass through untouched.
type NovelExtractor struct{}

func (e *NovelExtractor) MediaType() string { return "novel" }

func (e *NovelExtractor) SourceAssetTypes() []string {
	return []string{"raw_html", "cleaned_text"}
}

func (e *NovelExtractor) Extract(ctx context.Context, assets []models.Asset, blobs BlobStore) (string, Stats, error) {
	if len(assets) == 0 {
		return "", Stats{}, errors.New("no raw_html or cleaned_text asset linked")
	}
	asset := assets[0]
	content, err := blobs.DownloadText(ctx, asset.R2Key)
	if err != nil {
		return "", Stats{}, fmt.Errorf("download chapter %s: %w", asset.R2Key, err)
	}
	if asset.AssetType == "cleaned_text" {
		text := strings.TrimSpace(content)
		return text, Stats{ParagraphCount: countParagraphs(text)}, nil
	}
	text, paragraphs := ExtractNovelText(content)
	return text, Stats{ParagraphCount: paragraphs}, nil
}

// removeTags are stripped wholesale before any text is collected.
var removeTags = map[string]struct{}{
	"script": {}, "style": {}, "nav": {}, "footer": {}, "header": {},
	"aside": {}, "noscript": {}, "iframe": {}, "form": {}, "button": {},
	"input": {}, "select": {}, "textarea": {}, "svg": {}, "canvas": {},
	"video": {}, "audio": {}, "figure": {}, "figcaption": {}, "meta": {},
	"link": {},
}

var (
	junkClassRe    = regexp.MustCompile(`(?i)\b(ad|ads|sidebar|widget|social|share|comment|comments|footer|header|nav|menu)\b`)
	contentClassRe = regexp.MustCompile(`(?i)(content|chapter|reading|text|entry|article|post-content)`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	boilerplateLineRe = regexp.MustCompile(`(?i)(` + strings.Join([]string{
		`chapter\s+\d+\s*[-:]\s*$`,
		`^advertisement$`,
		`^sponsored\s+content$`,
		`^please\s+support\s+us`,
		`^join\s+our\s+discord`,
		`^read\s+more\s+at`,
		`^translator[:\s]`,
		`^editor[:\s]`,
		`^proofreader[:\s]`,
		`^tip\s+jar`,
		`^patreon`,
		`^ko-?fi`,
		`^copyright\s+\d{4}`,
		`all\s+rights\s+reserved`,
		`^next\s+chapter`,
		`^previous\s+chapter`,
		`^table\s+of\s+contents`,
		`^loading`,
		`^comments?\s*\(\d+\)`,
	}, "|") + `)`)
)

// ExtractNovelText extracts clean story text from chapter HTML and reports
// how many paragraphs survived. Boilerplate tags and ad/nav-classed elements
// are dropped, a content area is preferred over the whole page, and leaf
// p/div text becomes paragraphs separated by blank lines.
func ExtractNovelText(htmlContent string) (string, int) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", 0
	}
	root := findContentArea(doc)
	paragraphs := collectParagraphs(root)
	if len(paragraphs) == 0 {
		// Not block-structured HTML; fall back to the bare text nodes so a
		// plain-text chapter stored as raw_html still extracts.
		paragraphs = collectTextNodes(root)
	}
	cleaned := cleanParagraphs(paragraphs)
	return strings.Join(cleaned, "\n\n"), len(cleaned)
}

// skipNode reports whether an element and its subtree are boilerplate.
func skipNode(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if _, ok := removeTags[n.Data]; ok {
		return true
	}
	return junkClassRe.MatchString(nodeClass(n))
}

func nodeClass(n *html.Node) string {
	for _, attr := range n.Attr {
		if attr.Key == "class" {
			return attr.Val
		}
	}
	return ""
}

// findContentArea prefers the first element whose class looks like a story
// container, then article, main, and body.
func findContentArea(doc *html.Node) *html.Node {
	if n := findFirst(doc, func(n *html.Node) bool {
		cls := nodeClass(n)
		return cls != "" && contentClassRe.MatchString(cls)
	}); n != nil {
		return n
	}
	for _, tag := range []string{"article", "main", "body"} {
		tag := tag
		if n := findFirst(doc, func(n *html.Node) bool { return n.Data == tag }); n != nil {
			return n
		}
	}
	return doc
}

// findFirst returns the first element in document order matching the
// predicate, never descending into boilerplate subtrees.
func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if skipNode(root) {
		return nil
	}
	if root.Type == html.ElementNode && match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// collectParagraphs gathers the text of leaf p/div elements, the ones with no
// nested block children, longer than ten characters.
func collectParagraphs(root *html.Node) []string {
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if skipNode(n) {
			return
		}
		if isBlockElement(n) && !hasBlockChild(n) {
			if text := nodeText(n); utf8.RuneCountInString(text) > 10 {
				out = append(out, text)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func isBlockElement(n *html.Node) bool {
	return n.Type == html.ElementNode && (n.Data == "p" || n.Data == "div")
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if skipNode(c) {
			continue
		}
		if isBlockElement(c) || hasBlockChild(c) {
			return true
		}
	}
	return false
}

// nodeText joins the subtree's text nodes with single spaces, the way story
// text reads once inline markup is removed.
func nodeText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if skipNode(n) {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

func collectTextNodes(root *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if skipNode(n) {
			return
		}
		if n.Type == html.TextNode {
			for _, line := range strings.Split(n.Data, "\n") {
				if line = strings.TrimSpace(line); utf8.RuneCountInString(line) > 10 {
					out = append(out, line)
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// cleanParagraphs collapses whitespace, drops boilerplate lines and
// case-insensitive repeats, and discards short runs of non-letter characters
// (separators, stray numbers).
func cleanParagraphs(paragraphs []string) []string {
	seen := make(map[string]struct{}, len(paragraphs))
	cleaned := []string{}
	for _, para := range paragraphs {
		para = strings.TrimSpace(whitespaceRe.ReplaceAllString(para, " "))
		if para == "" || boilerplateLineRe.MatchString(para) {
			continue
		}
		key := strings.ToLower(para)
		if _, dup := seen[key]; dup {
			continue
		}
		if utf8.RuneCountInString(para) < 20 && !containsLetter(para) {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, para)
	}
	return cleaned
}

func containsLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func countParagraphs(text string) int {
	count := 0
	for _, block := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(block) != "" {
			count++
		}
	}
	return count
}
