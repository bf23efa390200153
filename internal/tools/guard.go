package tools

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxContentLength bounds the content a tool may write in one call.
const DefaultMaxContentLength = 100_000

// Guard 安全拦截器，防止模型写入保留属性或过大的内容
type Guard struct {
	MaxContentLength int
	// ProtectedAttributes are label names only the application may set.
	ProtectedAttributes []string
}

// NewGuard 创建默认的拦截器
func NewGuard() *Guard {
	return &Guard{
		MaxContentLength: DefaultMaxContentLength,
		ProtectedAttributes: []string{
			"protected", "dateNote", "calendarRoot", "archived", "readOnly",
		},
	}
}

// ValidateContent rejects oversized content.
func (g *Guard) ValidateContent(content string) error {
	if n := utf8.RuneCountInString(content); g.MaxContentLength > 0 && n > g.MaxContentLength {
		return fmt.Errorf("content is %d characters, limit is %d", n, g.MaxContentLength)
	}
	return nil
}

// ValidateAttributeName rejects empty, malformed and reserved names.
func (g *Guard) ValidateAttributeName(name string) error {
	if name == "" {
		return fmt.Errorf("attribute name is empty")
	}
	if strings.ContainsAny(name, " \t\n#~=") {
		return fmt.Errorf("attribute name %q contains whitespace or reserved characters", name)
	}
	for _, p := range g.ProtectedAttributes {
		if strings.EqualFold(p, name) {
			return fmt.Errorf("attribute %q is managed by the application", name)
		}
	}
	return nil
}

// AddProtectedAttribute 添加到保留属性名单
func (g *Guard) AddProtectedAttribute(name string) {
	g.ProtectedAttributes = append(g.ProtectedAttributes, name)
}
