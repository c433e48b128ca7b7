package audit

import (
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// rgb is a resolved opaque color.
type rgb struct {
	r, g, b uint8
}

// namedColors covers the values that show up in real stylesheets often enough
// to matter for contrast resolution.
var namedColors = map[string]rgb{
	"black":   {0, 0, 0},
	"white":   {255, 255, 255},
	"red":     {255, 0, 0},
	"green":   {0, 128, 0},
	"blue":    {0, 0, 255},
	"yellow":  {255, 255, 0},
	"orange":  {255, 165, 0},
	"purple":  {128, 0, 128},
	"gray":    {128, 128, 128},
	"grey":    {128, 128, 128},
	"silver":  {192, 192, 192},
	"maroon":  {128, 0, 0},
	"navy":    {0, 0, 128},
	"teal":    {0, 128, 128},
	"olive":   {128, 128, 0},
	"fuchsia": {255, 0, 255},
	"aqua":    {0, 255, 255},
	"lime":    {0, 255, 0},
}

// parseColor resolves a CSS color value. The second return is false for
// unknown or fully transparent values.
func parseColor(value string) (rgb, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch {
	case value == "" || value == "transparent" || value == "inherit" || value == "currentcolor":
		return rgb{}, false
	case strings.HasPrefix(value, "#"):
		return parseHex(value)
	case strings.HasPrefix(value, "rgb"):
		return parseRGBFunc(value)
	}
	c, ok := namedColors[value]
	return c, ok
}

func parseHex(value string) (rgb, bool) {
	hex := strings.TrimPrefix(value, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return rgb{}, false
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return rgb{}, false
	}
	return rgb{uint8(n >> 16), uint8(n >> 8 & 0xff), uint8(n & 0xff)}, true
}

// parseRGBFunc handles rgb(r,g,b) and rgba(r,g,b,a); a fully transparent
// alpha is treated as no color.
func parseRGBFunc(value string) (rgb, bool) {
	open := strings.IndexByte(value, '(')
	closing := strings.LastIndexByte(value, ')')
	if open < 0 || closing <= open {
		return rgb{}, false
	}
	parts := strings.Split(value[open+1:closing], ",")
	if len(parts) < 3 {
		return rgb{}, false
	}
	var channels [3]uint8
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || n < 0 || n > 255 {
			return rgb{}, false
		}
		channels[i] = uint8(n)
	}
	if len(parts) >= 4 {
		alpha, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err == nil && alpha == 0 {
			return rgb{}, false
		}
	}
	return rgb{channels[0], channels[1], channels[2]}, true
}

// relativeLuminance implements the WCAG definition over sRGB channels.
func relativeLuminance(c rgb) float64 {
	lin := func(channel uint8) float64 {
		v := float64(channel) / 255.0
		if v <= 0.03928 {
			return v / 12.92
		}
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	return 0.2126*lin(c.r) + 0.7152*lin(c.g) + 0.0722*lin(c.b)
}

// contrastRatio returns the WCAG contrast ratio between two opaque colors,
// in the range [1, 21].
func contrastRatio(a, b rgb) float64 {
	la := relativeLuminance(a)
	lb := relativeLuminance(b)
	if la < lb {
		la, lb = lb, la
	}
	return (la + 0.05) / (lb + 0.05)
}

// effectiveBackground walks up the ancestor chain until a non-transparent
// background is found, defaulting to white at the document root.
func effectiveBackground(sel *goquery.Selection) rgb {
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		if c, ok := parseColor(styleValue(cur, attrBackground, "background-color")); ok {
			return c
		}
		if goquery.NodeName(cur) == "html" {
			break
		}
	}
	return rgb{255, 255, 255}
}

// Large text per WCAG 1.4.3: at least 24px, or at least 18.66px bold.
const (
	largeTextPx     = 24.0
	largeBoldTextPx = 18.66
	boldWeight      = 700
)

// isLargeText derives the size class from resolved font-size and font-weight.
func isLargeText(sel *goquery.Selection) bool {
	size := parsePx(styleValue(sel, attrFontSize, "font-size"))
	if size <= 0 {
		return false
	}
	if size >= largeTextPx {
		return true
	}
	weight := styleValue(sel, attrFontWeight, "font-weight")
	if weight == "bold" || weight == "bolder" {
		return size >= largeBoldTextPx
	}
	if n, err := strconv.Atoi(weight); err == nil && n >= boldWeight {
		return size >= largeBoldTextPx
	}
	return false
}

func parsePx(value string) float64 {
	value = strings.TrimSuffix(strings.TrimSpace(value), "px")
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return n
}
