// Package content prepares editor HTML for storage and derives the line text used by diffs,
// search and the history mirror.
package content

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

type Converter struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

func NewConverter() *Converter {
	return &Converter{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// SanitizeHTML strips scripts, handlers and other active content.
func (c *Converter) SanitizeHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	return c.policy.Sanitize(html)
}

// Markdown renders sanitized HTML as markdown. On conversion failure the fallback is returned.
func (c *Converter) Markdown(html, fallback string) string {
	if strings.TrimSpace(html) == "" {
		return fallback
	}
	result, err := c.md.ConvertString(c.SanitizeHTML(html))
	if err != nil || strings.TrimSpace(result) == "" {
		return fallback
	}
	return normalizeNewlines(strings.TrimSpace(result)) + "\n"
}

// VersionText picks the text stored with a version: explicit text wins, otherwise it is derived from HTML.
func (c *Converter) VersionText(text, html string) string {
	if text != "" {
		return normalizeNewlines(text)
	}
	return c.Markdown(html, "")
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
