package tools

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/yukin371/quill/internal/core"
)

// ContentExtractionTool pulls structure out of a note's markdown.
type ContentExtractionTool struct {
	store core.NoteStore
	md    goldmark.Markdown
}

// NewContentExtractionTool 创建内容提取工具
func NewContentExtractionTool(store core.NoteStore) *ContentExtractionTool {
	return &ContentExtractionTool{
		store: store,
		md:    goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

func (t *ContentExtractionTool) Name() string { return "content_extraction" }

func (t *ContentExtractionTool) Deterministic() bool { return true }

func (t *ContentExtractionTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"Extract headings, lists, code blocks, links or tables from a note.",
		object([]string{"noteId"}, map[string]*core.JSONSchema{
			"noteId":         str("Note to read"),
			"extractionType": enum("What to extract", "all", "all", "headings", "lists", "code", "links", "tables"),
		}))
}

// Heading is a markdown heading.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// List is a markdown list with its top-level items.
type List struct {
	Ordered bool     `json:"ordered"`
	Items   []string `json:"items"`
}

// CodeBlock is a fenced or indented code block.
type CodeBlock struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// Link is an inline or autolink.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Table is a GFM table.
type Table struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Extracted holds everything found in a document.
type Extracted struct {
	Headings []Heading   `json:"headings,omitempty"`
	Lists    []List      `json:"lists,omitempty"`
	Code     []CodeBlock `json:"code,omitempty"`
	Links    []Link      `json:"links,omitempty"`
	Tables   []Table     `json:"tables,omitempty"`
}

func (t *ContentExtractionTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	noteID := argString(args, "noteId")
	if noteID == "" {
		return missingParam(t.Name(), "noteId", `content_extraction({"noteId": "abc123", "extractionType": "headings"})`), nil
	}
	kind := argString(args, "extractionType")
	if kind == "" {
		kind = "all"
	}
	switch kind {
	case "all", "headings", "lists", "code", "links", "tables":
	default:
		return core.Failure(fmt.Sprintf("unknown extractionType '%s'", kind), &core.ErrorHelp{
			Suggestions: []string{"use one of: all, headings, lists, code, links, tables"},
		}), nil
	}

	note, err := t.store.GetNote(ctx, noteID)
	if err != nil {
		return storeFailure(noteID, err)
	}
	ex := t.Extract([]byte(note.Content))

	var result any = ex
	switch kind {
	case "headings":
		result = map[string]any{"headings": ex.Headings}
	case "lists":
		result = map[string]any{"lists": ex.Lists}
	case "code":
		result = map[string]any{"code": ex.Code}
	case "links":
		result = map[string]any{"links": ex.Links}
	case "tables":
		result = map[string]any{"tables": ex.Tables}
	}
	return core.Success(map[string]any{"noteId": noteID, "title": note.Title, "extractionType": kind, "content": result}, nil), nil
}

// Extract parses markdown and collects its structural elements.
func (t *ContentExtractionTool) Extract(source []byte) Extracted {
	var ex Extracted
	doc := t.md.Parser().Parse(text.NewReader(source))

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			ex.Headings = append(ex.Headings, Heading{Level: node.Level, Text: nodeText(node, source)})
		case *ast.List:
			l := List{Ordered: node.IsOrdered()}
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				l.Items = append(l.Items, nodeText(item, source))
			}
			ex.Lists = append(ex.Lists, l)
		case *ast.FencedCodeBlock:
			ex.Code = append(ex.Code, CodeBlock{Language: string(node.Language(source)), Code: blockLines(node, source)})
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			ex.Code = append(ex.Code, CodeBlock{Code: blockLines(node, source)})
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			ex.Links = append(ex.Links, Link{Text: nodeText(node, source), URL: string(node.Destination)})
		case *ast.AutoLink:
			url := string(node.URL(source))
			ex.Links = append(ex.Links, Link{Text: url, URL: url})
		case *extast.Table:
			ex.Tables = append(ex.Tables, tableOf(node, source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return ex
}

// nodeText concatenates the inline text below n, skipping nested lists.
func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	var collect func(ast.Node)
	collect = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch node := c.(type) {
			case *ast.List:
				continue
			case *ast.Text:
				buf.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					buf.WriteByte(' ')
				}
			case *ast.String:
				buf.Write(node.Value)
			default:
				if c.Kind() == ast.KindParagraph || c.Kind() == ast.KindTextBlock {
					if buf.Len() > 0 {
						buf.WriteByte(' ')
					}
				}
				collect(c)
			}
		}
	}
	collect(n)
	return strings.TrimSpace(buf.String())
}

func blockLines(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return strings.TrimRight(buf.String(), "\n")
}

func tableOf(table *extast.Table, source []byte) Table {
	out := Table{}
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, nodeText(cell, source))
		}
		if _, ok := row.(*extast.TableHeader); ok {
			out.Headers = cells
			continue
		}
		out.Rows = append(out.Rows, cells)
	}
	return out
}
