package export

import (
	"fmt"
	"html"
	"strings"

	"atelier/api/internal/block"
)

// BlockHTML renders a block document to an HTML fragment. Unknown blocks
// are skipped; they carry payloads this build cannot render.
func BlockHTML(doc block.Document) string {
	var sb strings.Builder
	for _, b := range doc.Blocks {
		sb.WriteString(renderBlock(b))
	}
	return sb.String()
}

func renderBlock(b block.Block) string {
	switch v := b.(type) {
	case block.Text:
		return renderText(v)
	case block.Image:
		return renderFigure("img", fmt.Sprintf(`<img src=%q alt=%q>`, v.URL, html.EscapeString(v.Caption)), v.Caption)
	case block.Video:
		iframe := fmt.Sprintf(`<iframe src=%q frameborder="0" allowfullscreen></iframe>`, v.EmbedURL)
		return renderFigure("video", iframe, v.Caption)
	case block.File:
		label := v.Filename
		if label == "" {
			label = "Download"
		}
		return fmt.Sprintf("<p class=\"file\"><a href=%q download>%s</a></p>\n", v.URL, html.EscapeString(label))
	case block.Button:
		return fmt.Sprintf("<p class=\"button button-%s button-%s\"><a href=%q>%s</a></p>\n",
			html.EscapeString(v.Style), html.EscapeString(v.Size), v.URL, html.EscapeString(v.Text))
	case block.Divider:
		return "<hr>\n"
	case block.Columns:
		return renderColumns(v)
	default:
		return ""
	}
}

func renderText(v block.Text) string {
	content := html.EscapeString(v.Content)
	// Preserve paragraph breaks typed into the editor.
	content = strings.ReplaceAll(content, "\n", "<br>")
	if v.Style == block.StyleHeading {
		return fmt.Sprintf("<h2>%s</h2>\n", content)
	}
	return fmt.Sprintf("<p>%s</p>\n", content)
}

func renderColumns(v block.Columns) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<div class=\"columns cols-%d width-%s\">\n", v.Count, html.EscapeString(string(v.Width)))
	for _, slot := range v.Slots {
		sb.WriteString("<div class=\"column\">\n")
		for _, b := range slot.Blocks {
			sb.WriteString(renderBlock(b))
		}
		sb.WriteString("</div>\n")
	}
	sb.WriteString("</div>\n")
	return sb.String()
}

func renderFigure(class, inner, caption string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<figure class=%q>%s", class, inner)
	if strings.TrimSpace(caption) != "" {
		fmt.Fprintf(&sb, "<figcaption>%s</figcaption>", html.EscapeString(caption))
	}
	sb.WriteString("</figure>\n")
	return sb.String()
}
