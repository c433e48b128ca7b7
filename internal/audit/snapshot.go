// Package audit evaluates rendered pages against a fixed catalog of
// accessibility rule checks and emits structured violation records.
package audit

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/a11yops/scan-engine/internal/scan"
)

// Computed-style annotation attributes written by the renderer before the DOM
// is serialized. Rules prefer these and fall back to inline styles.
const (
	attrColor      = "data-cs-color"
	attrBackground = "data-cs-bg"
	attrFontSize   = "data-cs-font-size"
	attrFontWeight = "data-cs-font-weight"
	attrDisplay    = "data-cs-display"
	attrVisibility = "data-cs-visibility"
	attrWidth      = "data-cs-w"
	attrHeight     = "data-cs-h"
)

const snippetMaxLen = 200

// PageSnapshot wraps a parsed DOM snapshot for rule evaluation.
type PageSnapshot struct {
	URL string
	doc *goquery.Document
}

// NewSnapshot parses the rendered page body. The underlying parser tolerates
// malformed markup; only unreadable input returns an error.
func NewSnapshot(page scan.Page) (*PageSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page body: %w", err)
	}
	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = page.URL
	}
	return &PageSnapshot{URL: pageURL, doc: doc}, nil
}

// Each invokes fn for every visible element matching the selector. Hidden
// elements are excluded from all rules.
func (s *PageSnapshot) Each(selector string, fn func(el *goquery.Selection)) {
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if isHidden(sel) {
			return
		}
		fn(sel)
	})
}

// Find exposes the raw document query for rules needing document order.
func (s *PageSnapshot) Find(selector string) *goquery.Selection {
	return s.doc.Find(selector)
}

// isHidden reports whether the element is excluded from auditing: zero size,
// display:none, visibility:hidden, or explicit aria-hidden on the element or
// any ancestor.
func isHidden(sel *goquery.Selection) bool {
	if w, okW := sel.Attr(attrWidth); okW {
		if h, okH := sel.Attr(attrHeight); okH && w == "0" && h == "0" {
			return true
		}
	}
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		if goquery.NodeName(cur) == "html" {
			break
		}
		if hidden, ok := cur.Attr("aria-hidden"); ok && strings.EqualFold(hidden, "true") {
			return true
		}
		if styleValue(cur, attrDisplay, "display") == "none" {
			return true
		}
		if styleValue(cur, attrVisibility, "visibility") == "hidden" {
			return true
		}
	}
	return false
}

// styleValue resolves a style property from the renderer annotation first,
// then from the inline style attribute.
func styleValue(sel *goquery.Selection, annotation, property string) string {
	if v, ok := sel.Attr(annotation); ok && v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return inlineStyle(sel, property)
}

// inlineStyle extracts one declaration from the style attribute.
func inlineStyle(sel *goquery.Selection, property string) string {
	style, ok := sel.Attr("style")
	if !ok {
		return ""
	}
	for _, decl := range strings.Split(style, ";") {
		name, value, found := strings.Cut(decl, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), property) {
			return strings.ToLower(strings.TrimSpace(value))
		}
	}
	return ""
}

// cssSelector builds a short selector path for reporting. IDs terminate the
// walk; otherwise the element position among same-tag siblings is used.
func cssSelector(sel *goquery.Selection) string {
	var parts []string
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		tag := goquery.NodeName(cur)
		if tag == "" || tag == "#document" {
			break
		}
		if id, ok := cur.Attr("id"); ok && id != "" {
			parts = append(parts, fmt.Sprintf("%s#%s", tag, id))
			break
		}
		if tag == "html" || tag == "body" {
			parts = append(parts, tag)
			if tag == "html" {
				break
			}
			continue
		}
		idx := cur.PrevAll().FilterFunction(func(_ int, sib *goquery.Selection) bool {
			return goquery.NodeName(sib) == tag
		}).Length()
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", tag, idx+1))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// elementSnippet serializes the element, stripping the renderer's annotation
// attributes and truncating long markup.
func elementSnippet(sel *goquery.Selection) string {
	clone := sel.Clone()
	for _, attr := range []string{
		attrColor, attrBackground, attrFontSize, attrFontWeight,
		attrDisplay, attrVisibility, attrWidth, attrHeight,
	} {
		clone.RemoveAttr(attr)
		clone.Find("[" + attr + "]").RemoveAttr(attr)
	}
	html, err := goquery.OuterHtml(clone)
	if err != nil {
		return ""
	}
	html = strings.TrimSpace(html)
	if len(html) > snippetMaxLen {
		// Back off to a rune boundary so the cut never leaves invalid UTF-8.
		cut := snippetMaxLen
		for cut > 0 && !utf8.RuneStart(html[cut]) {
			cut--
		}
		html = html[:cut] + "…"
	}
	return html
}

// accessibleText reports whether the element carries any text usable as an
// accessible name: visible text, aria-label, aria-labelledby, title, or an
// image alternative inside it.
func accessibleText(sel *goquery.Selection) bool {
	if strings.TrimSpace(sel.Text()) != "" {
		return true
	}
	if v, ok := sel.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	if v, ok := sel.Attr("aria-labelledby"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	if v, ok := sel.Attr("title"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	hasImgAlt := false
	sel.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		if alt, ok := img.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
			hasImgAlt = true
			return false
		}
		return true
	})
	return hasImgAlt
}
