package mail

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// bodyNormalizer turns an email body into plain text or Markdown. HTML is
// sanitized before conversion so scripts and tracking markup never reach
// the model.
type bodyNormalizer struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

func newBodyNormalizer() *bodyNormalizer {
	return &bodyNormalizer{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

func (b *bodyNormalizer) Normalize(body string) string {
	body = strings.TrimSpace(strings.ReplaceAll(body, "\r\n", "\n"))
	if body == "" {
		return ""
	}
	if isHTML(body) {
		body = b.FromHTML(body)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(body, "\n\n"))
}

// FromHTML converts an HTML body to Markdown, falling back to a text walk
// when conversion fails.
func (b *bodyNormalizer) FromHTML(raw string) string {
	clean := b.policy.Sanitize(raw)
	md, err := b.conv.ConvertString(clean)
	if err == nil && strings.TrimSpace(md) != "" {
		return strings.TrimSpace(md)
	}
	return htmlText(clean)
}

func isHTML(s string) bool {
	return mimetype.Detect([]byte(s)).Is("text/html")
}

// htmlText keeps headings, paragraphs and list items of an HTML fragment,
// one block per paragraph. Without any block elements it returns the
// document's flattened text.
func htmlText(raw string) string {
	node, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			switch tag {
			case "script", "style", "head":
				return
			case "h1", "h2", "h3":
				lvl := map[string]string{"h1": "#", "h2": "##", "h3": "###"}[tag]
				lines = append(lines, lvl+" "+strings.TrimSpace(nodeText(n)))
				return
			case "p", "li", "td":
				if t := strings.TrimSpace(nodeText(n)); t != "" {
					lines = append(lines, t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	if len(lines) == 0 {
		if plain := strings.TrimSpace(nodeText(node)); plain != "" {
			lines = append(lines, plain)
		}
	}
	return strings.Join(lines, "\n\n")
}

func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && n.Data == "br" {
		return "\n"
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
	}
	return sb.String()
}
