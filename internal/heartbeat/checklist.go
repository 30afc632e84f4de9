// Package heartbeat runs periodic checks described in a markdown checklist
// (HEARTBEAT.md by default) and reports the items that need attention.
//
// Each list item is one check. Task items that are already ticked
// ("- [x] ...") are treated as disabled. Headings group items into
// sections that are passed to the model as context.
package heartbeat

import (
	"errors"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Item is one check from a checklist.
type Item struct {
	Text    string `json:"text"`
	Section string `json:"section,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// ParseChecklist extracts list items from markdown source.
func ParseChecklist(src []byte) []Item {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var items []Item
	section := ""
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			section = strings.TrimSpace(string(node.Text(src)))
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			block := node.FirstChild()
			if block == nil {
				return ast.WalkContinue, nil
			}
			item := Item{Section: section}
			if box, ok := block.FirstChild().(*extast.TaskCheckBox); ok {
				item.Done = box.IsChecked
			}
			item.Text = strings.TrimSpace(string(block.Text(src)))
			if item.Text != "" {
				items = append(items, item)
			}
		}
		return ast.WalkContinue, nil
	})
	return items
}

// LoadChecklist reads and parses path. A missing file yields no items.
func LoadChecklist(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseChecklist(data), nil
}

// Pending returns the items that are not ticked off.
func Pending(items []Item) []Item {
	var out []Item
	for _, item := range items {
		if !item.Done {
			out = append(out, item)
		}
	}
	return out
}
