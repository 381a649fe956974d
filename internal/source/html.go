package source

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
	"golang.org/x/net/html"
)

var bodyURL = &url.URL{Scheme: "https", Host: "mail.invalid"}

var htmlTag = regexp.MustCompile(`(?i)<\s*(html|body|div|p|br|span|table|td|a|b|i|strong|em|ul|li|h[1-6])\b[^>]*>`)

// LooksLikeHTML reports whether s carries markup worth stripping.
func LooksLikeHTML(s string) bool {
	return htmlTag.MatchString(s)
}

// HTMLToText extracts readable text from an email body. Readability is
// tried first; short fragments it cannot score fall back to the raw text
// nodes.
func HTMLToText(s string) string {
	if text := readable(s); text != "" {
		return text
	}
	return textNodes(s)
}

func readable(s string) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	article, err := readability.FromReader(strings.NewReader(s), bodyURL)
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return ""
	}
	return collapse(buf.String())
}

func textNodes(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapse(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li", "tr":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
