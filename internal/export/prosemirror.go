package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"rubyeditor/api/internal/document"
)

// ToHTML renders a content tree as a sanitized HTML fragment. Links and
// images with unsafe URL schemes lose their URL.
func ToHTML(content document.Content) (string, error) {
	root, err := decodeTree(content)
	if err != nil {
		return "", err
	}
	return sanitizeFragment(renderNode(root)), nil
}

func decodeTree(content document.Content) (map[string]any, error) {
	if document.IsEmpty(content) {
		return nil, ErrContentUnavailable
	}
	var root map[string]any
	if err := json.Unmarshal(content, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}
	return root, nil
}

func renderNode(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	if nodeType == "" {
		return ""
	}
	attrs, _ := node["attrs"].(map[string]any)

	switch nodeType {
	case "doc":
		return renderContent(node["content"])
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderContent(node["content"]))
	case "heading":
		level := headingLevel(attrs)
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(node["content"]), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(node["content"]))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(node["content"]))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderContent(node["content"]))
	case "taskList":
		return fmt.Sprintf("<ul class=\"task-list\">\n%s</ul>\n", renderContent(node["content"]))
	case "taskItem":
		checked := ""
		if done, _ := attrs["checked"].(bool); done {
			checked = " checked"
		}
		return fmt.Sprintf("<li class=\"task-item\"><input type=\"checkbox\" disabled%s> %s</li>\n", checked, renderContent(node["content"]))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderContent(node["content"]))
	case "callout":
		variant, _ := attrs["type"].(string)
		if variant == "" {
			variant = "info"
		}
		return fmt.Sprintf("<aside class=\"callout callout-%s\">\n%s</aside>\n", html.EscapeString(variant), renderContent(node["content"]))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(plainContent(node["content"])))
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]any)
		return renderTextWithMarks(text, marks)
	case "image":
		src, _ := attrs["src"].(string)
		alt, _ := attrs["alt"].(string)
		if src == "" {
			return ""
		}
		return fmt.Sprintf("<img src=\"%s\" alt=\"%s\">\n", html.EscapeString(src), html.EscapeString(alt))
	case "hardBreak":
		return "<br>"
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", renderContent(node["content"]))
	case "tableRow":
		return fmt.Sprintf("<tr>\n%s</tr>\n", renderContent(node["content"]))
	case "tableCell":
		return fmt.Sprintf("<td>%s</td>\n", renderContent(node["content"]))
	case "tableHeader":
		return fmt.Sprintf("<th>%s</th>\n", renderContent(node["content"]))
	case "horizontalRule":
		return "<hr>\n"
	default:
		return renderContent(node["content"])
	}
}

func headingLevel(attrs map[string]any) int {
	level := 1
	if lvl, ok := attrs["level"].(float64); ok {
		level = int(lvl)
	}
	if level < 1 {
		return 1
	}
	if level > 6 {
		return 6
	}
	return level
}

func renderContent(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var result strings.Builder
	for _, item := range items {
		if node, ok := item.(map[string]any); ok {
			result.WriteString(renderNode(node))
		}
	}
	return result.String()
}

// plainContent concatenates raw text children, used where markup is not allowed.
func plainContent(content any) string {
	items, _ := content.([]any)
	var out strings.Builder
	for _, item := range items {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := node["text"].(string); ok {
			out.WriteString(text)
		}
	}
	return out.String()
}

// renderTextWithMarks applies marks from the innermost outwards.
func renderTextWithMarks(text string, marks []any) string {
	if text == "" {
		return ""
	}
	htmlText := html.EscapeString(text)

	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)

		switch markType {
		case "bold":
			htmlText = "<strong>" + htmlText + "</strong>"
		case "italic":
			htmlText = "<em>" + htmlText + "</em>"
		case "code":
			htmlText = "<code>" + htmlText + "</code>"
		case "strike":
			htmlText = "<s>" + htmlText + "</s>"
		case "underline":
			htmlText = "<u>" + htmlText + "</u>"
		case "highlight":
			htmlText = "<mark>" + htmlText + "</mark>"
		case "link":
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				href, _ = attrs["href"].(string)
			}
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		}
	}
	return htmlText
}
