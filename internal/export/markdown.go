package export

import (
	"fmt"
	"strings"

	"rubyeditor/api/internal/document"
)

// ToMarkdown renders a content tree as CommonMark with GFM task lists and
// tables.
func ToMarkdown(content document.Content) (string, error) {
	root, err := decodeTree(content)
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	for _, child := range childNodes(root) {
		writeMarkdownBlock(&builder, child, "")
	}
	return strings.TrimSpace(builder.String()) + "\n", nil
}

func childNodes(node map[string]any) []map[string]any {
	items, _ := node["content"].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if child, ok := item.(map[string]any); ok {
			out = append(out, child)
		}
	}
	return out
}

func writeMarkdownBlock(builder *strings.Builder, node map[string]any, indent string) {
	nodeType, _ := node["type"].(string)
	attrs, _ := node["attrs"].(map[string]any)

	switch nodeType {
	case "heading":
		builder.WriteString(indent + strings.Repeat("#", headingLevel(attrs)) + " ")
		builder.WriteString(inlineMarkdown(node))
		builder.WriteString("\n\n")
	case "paragraph":
		builder.WriteString(indent + inlineMarkdown(node) + "\n\n")
	case "bulletList", "orderedList", "taskList":
		writeMarkdownList(builder, node, indent)
		if indent == "" {
			builder.WriteString("\n")
		}
	case "codeBlock":
		language, _ := attrs["language"].(string)
		builder.WriteString(indent + "```" + language + "\n")
		for _, line := range strings.Split(plainContent(node["content"]), "\n") {
			builder.WriteString(indent + line + "\n")
		}
		builder.WriteString(indent + "```\n\n")
	case "blockquote", "callout":
		var inner strings.Builder
		for _, child := range childNodes(node) {
			writeMarkdownBlock(&inner, child, "")
		}
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			builder.WriteString(indent + strings.TrimRight("> "+line, " ") + "\n")
		}
		builder.WriteString("\n")
	case "image":
		src, _ := attrs["src"].(string)
		alt, _ := attrs["alt"].(string)
		if src != "" {
			builder.WriteString(fmt.Sprintf("%s![%s](%s)\n\n", indent, alt, src))
		}
	case "table":
		writeMarkdownTable(builder, node)
	case "horizontalRule":
		builder.WriteString(indent + "---\n\n")
	default:
		for _, child := range childNodes(node) {
			writeMarkdownBlock(builder, child, indent)
		}
	}
}

func writeMarkdownList(builder *strings.Builder, node map[string]any, indent string) {
	nodeType, _ := node["type"].(string)
	for i, item := range childNodes(node) {
		marker := "- "
		switch nodeType {
		case "orderedList":
			marker = fmt.Sprintf("%d. ", i+1)
		case "taskList":
			itemAttrs, _ := item["attrs"].(map[string]any)
			if checked, _ := itemAttrs["checked"].(bool); checked {
				marker = "- [x] "
			} else {
				marker = "- [ ] "
			}
		}
		first := true
		for _, child := range childNodes(item) {
			childType, _ := child["type"].(string)
			if childType == "paragraph" && first {
				builder.WriteString(indent + marker + inlineMarkdown(child) + "\n")
				first = false
				continue
			}
			if first {
				builder.WriteString(indent + marker + "\n")
				first = false
			}
			if childType == "paragraph" {
				builder.WriteString(indent + "  " + inlineMarkdown(child) + "\n")
				continue
			}
			writeMarkdownBlock(builder, child, indent+"  ")
		}
		if first {
			builder.WriteString(indent + strings.TrimRight(marker, " ") + "\n")
		}
	}
}

func writeMarkdownTable(builder *strings.Builder, node map[string]any) {
	rows := childNodes(node)
	if len(rows) == 0 {
		return
	}
	for i, row := range rows {
		cells := childNodes(row)
		values := make([]string, 0, len(cells))
		for _, cell := range cells {
			var parts []string
			for _, block := range childNodes(cell) {
				parts = append(parts, inlineMarkdown(block))
			}
			values = append(values, strings.ReplaceAll(strings.Join(parts, " "), "|", `\|`))
		}
		builder.WriteString("| " + strings.Join(values, " | ") + " |\n")
		if i == 0 {
			separators := make([]string, len(values))
			for j := range separators {
				separators[j] = "---"
			}
			builder.WriteString("| " + strings.Join(separators, " | ") + " |\n")
		}
	}
	builder.WriteString("\n")
}

func inlineMarkdown(node map[string]any) string {
	var out strings.Builder
	for _, child := range childNodes(node) {
		childType, _ := child["type"].(string)
		switch childType {
		case "text":
			text, _ := child["text"].(string)
			marks, _ := child["marks"].([]any)
			out.WriteString(applyMarkdownMarks(text, marks))
		case "hardBreak":
			out.WriteString("  \n")
		case "image":
			attrs, _ := child["attrs"].(map[string]any)
			src, _ := attrs["src"].(string)
			alt, _ := attrs["alt"].(string)
			out.WriteString(fmt.Sprintf("![%s](%s)", alt, src))
		default:
			out.WriteString(inlineMarkdown(child))
		}
	}
	return out.String()
}

func applyMarkdownMarks(text string, marks []any) string {
	if text == "" {
		return ""
	}
	result := text
	var href string
	for _, mark := range marks {
		markMap, ok := mark.(map[string]any)
		if !ok {
			continue
		}
		markType, _ := markMap["type"].(string)
		switch markType {
		case "bold":
			result = "**" + result + "**"
		case "italic":
			result = "*" + result + "*"
		case "code":
			result = "`" + result + "`"
		case "strike":
			result = "~~" + result + "~~"
		case "link":
			if attrs, ok := markMap["attrs"].(map[string]any); ok {
				href, _ = attrs["href"].(string)
			}
		}
	}
	if href != "" {
		result = "[" + result + "](" + href + ")"
	}
	return result
}
