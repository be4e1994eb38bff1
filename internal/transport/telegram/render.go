package telegram

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"announcebot/internal/transport"
)

const textLimit = 4000

// renderHTML lays a card out as one Telegram HTML message of at most
// textLimit runes. An over-long description is clipped as plain text before
// escaping, so entities and tags always stay whole. The thumbnail is appended
// as an invisible link so Telegram shows it as the preview.
func renderHTML(c transport.Card) string {
	out := layoutHTML(c)
	if utf8.RuneCountInString(out) <= textLimit {
		return out
	}
	full := c.Description
	c.Description = ""
	budget := textLimit - utf8.RuneCountInString(layoutHTML(c)) - 2 // "…" and its newline
	c.Description = clipEscaped(full, budget)
	return layoutHTML(c)
}

// clipEscaped returns the longest prefix of s whose escaped form fits in
// budget runes, followed by "…".
func clipEscaped(s string, budget int) string {
	used, end := 0, 0
	for i, r := range s {
		n := utf8.RuneCountInString(html.EscapeString(string(r)))
		if used+n > budget {
			break
		}
		used += n
		end = i + utf8.RuneLen(r)
	}
	return strings.TrimRightFunc(s[:end], unicode.IsSpace) + "…"
}

func layoutHTML(c transport.Card) string {
	var b strings.Builder
	if c.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(c.Title))
		b.WriteString("</b>\n")
	}
	if c.Description != "" {
		b.WriteString(html.EscapeString(c.Description))
		b.WriteString("\n")
	}
	if len(c.Fields) > 0 {
		b.WriteString("\n")
		for _, f := range c.Fields {
			b.WriteString("<b>")
			b.WriteString(html.EscapeString(f.Name))
			b.WriteString(":</b> ")
			b.WriteString(html.EscapeString(f.Value))
			b.WriteString("\n")
		}
	}
	var foot []string
	if c.Footer != "" {
		foot = append(foot, html.EscapeString(c.Footer))
	}
	if !c.Timestamp.IsZero() {
		foot = append(foot, c.Timestamp.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if len(foot) > 0 {
		b.WriteString("\n<i>")
		b.WriteString(strings.Join(foot, " · "))
		b.WriteString("</i>")
	}
	if c.ThumbnailURL != "" {
		b.WriteString(`<a href="`)
		b.WriteString(html.EscapeString(c.ThumbnailURL))
		b.WriteString(`">&#8203;</a>`)
	}
	return strings.TrimRight(b.String(), "\n")
}

// splitText splits plain text into chunks of at most limit runes, on newline
// boundaries where possible.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
