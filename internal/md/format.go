// Package md converts GitHub-flavored markdown bodies into Notion blocks.
package md

import (
	"strings"
	"unicode/utf8"

	"github.com/jomei/notionapi"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MaxTextLength is the longest content Notion accepts in one rich text object.
const MaxTextLength = 2000

// maxRichText is the longest rich text array Notion accepts per block.
const maxRichText = 100

// maxNesting is how deep list children may nest in a single request.
const maxNesting = 2

var parser = goldmark.New(goldmark.WithExtensions(
	extension.Strikethrough,
	extension.TaskList,
	extension.Linkify,
))

// ToBlocks parses markdown and returns the equivalent Notion blocks.
// Empty input yields no blocks.
func ToBlocks(markdown string) []notionapi.Block {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}
	src := []byte(markdown)
	doc := parser.Parser().Parse(text.NewReader(src))
	c := &converter{src: src}
	return c.blocks(doc, 0)
}

type converter struct {
	src []byte
}

func (c *converter) blocks(parent ast.Node, depth int) []notionapi.Block {
	var out []notionapi.Block
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		out = append(out, c.block(n, depth)...)
	}
	return out
}

func (c *converter) block(n ast.Node, depth int) []notionapi.Block {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		return paragraphs(c.inline(n))
	case *ast.Heading:
		return []notionapi.Block{heading(n.Level, c.inline(n))}
	case *ast.List:
		return c.list(n, depth)
	case *ast.FencedCodeBlock:
		return []notionapi.Block{code(c.lines(n.Lines()), string(n.Language(c.src)))}
	case *ast.CodeBlock:
		return []notionapi.Block{code(c.lines(n.Lines()), "")}
	case *ast.Blockquote:
		return []notionapi.Block{c.quote(n)}
	case *ast.ThematicBreak:
		return []notionapi.Block{&notionapi.DividerBlock{
			BasicBlock: basic(notionapi.BlockTypeDivider),
			Divider:    notionapi.Divider{},
		}}
	case *ast.HTMLBlock:
		raw := c.lines(n.Lines())
		if n.HasClosure() {
			raw += string(n.ClosureLine.Value(c.src))
		}
		raw = strings.TrimRight(raw, "\n")
		if raw == "" {
			return nil
		}
		return paragraphs(plain(raw))
	default:
		return c.blocks(n, depth)
	}
}

func (c *converter) list(l *ast.List, depth int) []notionapi.Block {
	var out []notionapi.Block
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		var (
			rich    []notionapi.RichText
			nested  []notionapi.Block
			checked *bool
		)
		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			switch child.(type) {
			case *ast.Paragraph, *ast.TextBlock:
				if rich == nil {
					if box, ok := child.FirstChild().(*east.TaskCheckBox); ok {
						v := box.IsChecked
						checked = &v
					}
					rich = c.inline(child)
					continue
				}
			}
			nested = append(nested, c.block(child, depth+1)...)
		}

		var children []notionapi.Block
		var siblings []notionapi.Block
		if depth+1 < maxNesting {
			children = nested
		} else {
			siblings = nested
		}

		rich = capRichText(rich)
		switch {
		case checked != nil:
			out = append(out, &notionapi.ToDoBlock{
				BasicBlock: basic(notionapi.BlockTypeToDo),
				ToDo:       notionapi.ToDo{RichText: rich, Checked: *checked, Children: children},
			})
		case l.IsOrdered():
			out = append(out, &notionapi.NumberedListItemBlock{
				BasicBlock:       basic(notionapi.BlockTypeNumberedListItem),
				NumberedListItem: notionapi.ListItem{RichText: rich, Children: children},
			})
		default:
			out = append(out, &notionapi.BulletedListItemBlock{
				BasicBlock:       basic(notionapi.BlockTypeBulletedListItem),
				BulletedListItem: notionapi.ListItem{RichText: rich, Children: children},
			})
		}
		out = append(out, siblings...)
	}
	return out
}

func (c *converter) quote(q *ast.Blockquote) notionapi.Block {
	var rich []notionapi.RichText
	for child := q.FirstChild(); child != nil; child = child.NextSibling() {
		if len(rich) > 0 {
			rich = append(rich, plain("\n")...)
		}
		switch child := child.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			rich = append(rich, c.inline(child)...)
		case *ast.FencedCodeBlock:
			rich = append(rich, plain(strings.TrimRight(c.lines(child.Lines()), "\n"))...)
		case *ast.CodeBlock:
			rich = append(rich, plain(strings.TrimRight(c.lines(child.Lines()), "\n"))...)
		default:
			rich = append(rich, c.inline(child)...)
		}
	}
	return &notionapi.QuoteBlock{
		BasicBlock: basic(notionapi.BlockTypeQuote),
		Quote:      notionapi.Quote{RichText: capRichText(rich)},
	}
}

func (c *converter) lines(segs *text.Segments) string {
	var b strings.Builder
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		b.Write(seg.Value(c.src))
	}
	return b.String()
}

// style accumulates the annotations of the enclosing inline nodes.
type style struct {
	bold, italic, strike, code bool
	href                       string
}

func (c *converter) inline(n ast.Node) []notionapi.RichText {
	var out []notionapi.RichText
	c.walkInline(n, style{}, &out)
	return out
}

func (c *converter) walkInline(parent ast.Node, st style, out *[]notionapi.RichText) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch n := n.(type) {
		case *ast.Text:
			s := string(n.Segment.Value(c.src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				s += "\n"
			}
			*out = append(*out, styled(s, st)...)
		case *ast.String:
			*out = append(*out, styled(string(n.Value), st)...)
		case *ast.CodeSpan:
			inner := st
			inner.code = true
			c.walkInline(n, inner, out)
		case *ast.Emphasis:
			inner := st
			if n.Level >= 2 {
				inner.bold = true
			} else {
				inner.italic = true
			}
			c.walkInline(n, inner, out)
		case *east.Strikethrough:
			inner := st
			inner.strike = true
			c.walkInline(n, inner, out)
		case *ast.Link:
			inner := st
			inner.href = string(n.Destination)
			c.walkInline(n, inner, out)
		case *ast.AutoLink:
			inner := st
			inner.href = string(n.URL(c.src))
			*out = append(*out, styled(string(n.Label(c.src)), inner)...)
		case *ast.Image:
			inner := st
			inner.href = string(n.Destination)
			before := len(*out)
			c.walkInline(n, inner, out)
			if len(*out) == before {
				*out = append(*out, styled(inner.href, inner)...)
			}
		case *ast.RawHTML:
			*out = append(*out, styled(c.lines(n.Segments), st)...)
		case *east.TaskCheckBox:
			// rendered by the to-do block itself
		default:
			c.walkInline(n, st, out)
		}
	}
}

// styled splits s into rich text objects of at most MaxTextLength runes.
func styled(s string, st style) []notionapi.RichText {
	if s == "" {
		return nil
	}
	var ann *notionapi.Annotations
	if st.bold || st.italic || st.strike || st.code {
		ann = &notionapi.Annotations{
			Bold:          st.bold,
			Italic:        st.italic,
			Strikethrough: st.strike,
			Code:          st.code,
			Color:         notionapi.ColorDefault,
		}
	}
	var link *notionapi.Link
	if strings.HasPrefix(st.href, "http://") || strings.HasPrefix(st.href, "https://") {
		link = &notionapi.Link{Url: st.href}
	}

	var out []notionapi.RichText
	for _, chunk := range SplitText(s, MaxTextLength) {
		out = append(out, notionapi.RichText{
			Type:        notionapi.ObjectTypeText,
			Text:        &notionapi.Text{Content: chunk, Link: link},
			Annotations: ann,
		})
	}
	return out
}

func plain(s string) []notionapi.RichText { return styled(s, style{}) }

// SplitText cuts s into pieces of at most limit runes.
func SplitText(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := min(limit, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// paragraphs wraps rich text into as many paragraphs as the per-block
// rich text limit requires.
func paragraphs(rich []notionapi.RichText) []notionapi.Block {
	if len(rich) == 0 {
		return nil
	}
	var out []notionapi.Block
	for len(rich) > 0 {
		n := min(maxRichText, len(rich))
		out = append(out, &notionapi.ParagraphBlock{
			BasicBlock: basic(notionapi.BlockTypeParagraph),
			Paragraph:  notionapi.Paragraph{RichText: rich[:n]},
		})
		rich = rich[n:]
	}
	return out
}

func heading(level int, rich []notionapi.RichText) notionapi.Block {
	h := notionapi.Heading{RichText: capRichText(rich)}
	switch level {
	case 1:
		return &notionapi.Heading1Block{BasicBlock: basic(notionapi.BlockTypeHeading1), Heading1: h}
	case 2:
		return &notionapi.Heading2Block{BasicBlock: basic(notionapi.BlockTypeHeading2), Heading2: h}
	default:
		return &notionapi.Heading3Block{BasicBlock: basic(notionapi.BlockTypeHeading3), Heading3: h}
	}
}

func code(body, lang string) notionapi.Block {
	return &notionapi.CodeBlock{
		BasicBlock: basic(notionapi.BlockTypeCode),
		Code: notionapi.Code{
			RichText: capRichText(plain(strings.TrimRight(body, "\n"))),
			Caption:  []notionapi.RichText{},
			Language: Language(lang),
		},
	}
}

func capRichText(rich []notionapi.RichText) []notionapi.RichText {
	if len(rich) > maxRichText {
		return rich[:maxRichText]
	}
	if rich == nil {
		return []notionapi.RichText{}
	}
	return rich
}

func basic(t notionapi.BlockType) notionapi.BasicBlock {
	return notionapi.BasicBlock{Object: notionapi.ObjectTypeBlock, Type: t}
}

var languages = map[string]string{
	"":           "plain text",
	"text":       "plain text",
	"txt":        "plain text",
	"sh":         "shell",
	"shell":      "shell",
	"bash":       "bash",
	"zsh":        "shell",
	"console":    "shell",
	"go":         "go",
	"golang":     "go",
	"js":         "javascript",
	"javascript": "javascript",
	"jsx":        "javascript",
	"ts":         "typescript",
	"typescript": "typescript",
	"tsx":        "typescript",
	"py":         "python",
	"python":     "python",
	"rb":         "ruby",
	"ruby":       "ruby",
	"rs":         "rust",
	"rust":       "rust",
	"java":       "java",
	"kotlin":     "kotlin",
	"c":          "c",
	"cpp":        "c++",
	"c++":        "c++",
	"cs":         "c#",
	"csharp":     "c#",
	"json":       "json",
	"yaml":       "yaml",
	"yml":        "yaml",
	"toml":       "toml",
	"html":       "html",
	"xml":        "xml",
	"css":        "css",
	"sql":        "sql",
	"diff":       "diff",
	"docker":     "docker",
	"dockerfile": "docker",
	"makefile":   "makefile",
	"markdown":   "markdown",
	"md":         "markdown",
	"graphql":    "graphql",
	"php":        "php",
	"swift":      "swift",
}

// Language maps a fenced code info string to a Notion code language.
// Unknown languages fall back to plain text.
func Language(info string) string {
	if l, ok := languages[strings.ToLower(strings.TrimSpace(info))]; ok {
		return l
	}
	return "plain text"
}
