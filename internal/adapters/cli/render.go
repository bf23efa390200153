package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/yukin371/quill/internal/preview"
	"github.com/yukin371/quill/internal/push"
)

const (
	defaultWidth  = 80
	resultPreview = 120
)

// Styles 终端配色（Tokyo Night）
type Styles struct {
	Title      lipgloss.Style
	Stream     lipgloss.Style
	Thinking   lipgloss.Style
	ToolCall   lipgloss.Style
	Error      lipgloss.Style
	Success    lipgloss.Style
	Muted      lipgloss.Style
	Plan       lipgloss.Style
	RiskLow    lipgloss.Style
	RiskMedium lipgloss.Style
	RiskHigh   lipgloss.Style
	DiffAdd    lipgloss.Style
	DiffRemove lipgloss.Style
}

// DefaultStyles returns the default palette.
func DefaultStyles() Styles {
	var (
		colorPrimary = lipgloss.Color("#7aa2f7")
		colorSuccess = lipgloss.Color("#9ece6a")
		colorWarning = lipgloss.Color("#e0af68")
		colorError   = lipgloss.Color("#f7768e")
		colorMuted   = lipgloss.Color("#565f89")
		colorBorder  = lipgloss.Color("#414868")
	)
	return Styles{
		Title:      lipgloss.NewStyle().Foreground(colorPrimary).Bold(true),
		Stream:     lipgloss.NewStyle(),
		Thinking:   lipgloss.NewStyle().Foreground(colorMuted).Italic(true),
		ToolCall:   lipgloss.NewStyle().Foreground(colorPrimary),
		Error:      lipgloss.NewStyle().Foreground(colorError).Bold(true),
		Success:    lipgloss.NewStyle().Foreground(colorSuccess),
		Muted:      lipgloss.NewStyle().Foreground(colorMuted),
		Plan:       lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1),
		RiskLow:    lipgloss.NewStyle().Foreground(colorSuccess),
		RiskMedium: lipgloss.NewStyle().Foreground(colorWarning),
		RiskHigh:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
		DiffAdd:    lipgloss.NewStyle().Foreground(colorSuccess),
		DiffRemove: lipgloss.NewStyle().Foreground(colorError),
	}
}

// Renderer formats chat output for a terminal.
type Renderer struct {
	width    int
	styles   Styles
	markdown *glamour.TermRenderer
}

// NewRenderer creates a renderer wrapping at width columns. plain selects
// the colourless markdown style used when output is not a terminal.
func NewRenderer(width int, plain bool) (*Renderer, error) {
	if width <= 0 {
		width = defaultWidth
	}
	style := glamour.WithAutoStyle()
	if plain {
		style = glamour.WithStandardStyle("notty")
	}
	md, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("create markdown renderer: %w", err)
	}
	return &Renderer{width: width, styles: DefaultStyles(), markdown: md}, nil
}

// Answer renders the final assistant answer as markdown. Rendering errors
// fall back to plain wrapped text.
func (r *Renderer) Answer(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	out, err := r.markdown.Render(content)
	if err != nil {
		return wordwrap.String(content, r.width) + "\n"
	}
	return out
}

// Thinking renders a progress note.
func (r *Renderer) Thinking(text string) string {
	return r.styles.Thinking.Render("… "+text) + "\n"
}

// Error renders a failure line.
func (r *Renderer) Error(text string) string {
	return r.styles.Error.Render("✗ "+text) + "\n"
}

// ToolExecution renders one tool lifecycle step.
func (r *Renderer) ToolExecution(te *push.ToolExecution) string {
	if te == nil {
		return ""
	}
	switch te.Action {
	case "start":
		line := r.styles.ToolCall.Render("⚙ " + te.Tool)
		if args := compactJSON(te.Args); args != "" && args != "{}" {
			line += " " + r.styles.Muted.Render(truncate.StringWithTail(args, resultPreview, "…"))
		}
		return line + "\n"
	case "complete":
		line := r.styles.Success.Render("✓ " + te.Tool)
		if res := compactJSON(te.Result); res != "" {
			line += " " + r.styles.Muted.Render(truncate.StringWithTail(res, resultPreview, "…"))
		}
		return line + "\n"
	default:
		return r.styles.Error.Render(fmt.Sprintf("✗ %s: %s", te.Tool, te.Error)) + "\n"
	}
}

// Plan renders an execution plan for the approval prompt.
func (r *Renderer) Plan(plan preview.ExecutionPlan) string {
	var sb strings.Builder
	sb.WriteString(r.styles.Title.Render(fmt.Sprintf("Plan %s", shortID(plan.ID))))
	sb.WriteString(r.styles.Muted.Render(fmt.Sprintf("  ~%s", plan.TotalEstimatedDuration.Round(time.Millisecond))))
	sb.WriteByte('\n')

	for i, p := range plan.Previews {
		fmt.Fprintf(&sb, "\n%d. %s %s\n", i+1, r.styles.ToolCall.Render(p.DisplayName), r.risk(p.RiskLevel))
		for _, param := range p.FormattedParameters {
			sb.WriteString(indent.String(wordwrap.String(param, r.width-8), 3))
			sb.WriteByte('\n')
		}
		if p.Diff != "" {
			sb.WriteString(indent.String(r.diff(p.Diff), 3))
		}
		if p.Warning != "" {
			sb.WriteString(indent.String(r.styles.RiskMedium.Render("! "+p.Warning), 3))
			sb.WriteByte('\n')
		}
	}
	return r.styles.Plan.Render(strings.TrimRight(sb.String(), "\n")) + "\n"
}

func (r *Renderer) risk(level preview.RiskLevel) string {
	label := "[" + string(level) + "]"
	switch level {
	case preview.RiskHigh:
		return r.styles.RiskHigh.Render(label)
	case preview.RiskMedium:
		return r.styles.RiskMedium.Render(label)
	default:
		return r.styles.RiskLow.Render(label)
	}
}

func (r *Renderer) diff(d string) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(d, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+ "):
			sb.WriteString(r.styles.DiffAdd.Render(line))
		case strings.HasPrefix(line, "- "):
			sb.WriteString(r.styles.DiffRemove.Render(line))
		default:
			sb.WriteString(line)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func compactJSON(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
