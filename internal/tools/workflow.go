package tools

import (
	"context"
	"strings"

	"github.com/yukin371/quill/internal/core"
)

// WorkflowStep is one suggested tool invocation.
type WorkflowStep struct {
	Tool    string `json:"tool"`
	Purpose string `json:"purpose"`
	Example string `json:"example"`
}

type workflow struct {
	name     string
	keywords []string
	steps    []WorkflowStep
}

var workflows = []workflow{
	{
		name:     "daily_journal",
		keywords: []string{"journal", "daily", "today", "diary", "log"},
		steps: []WorkflowStep{
			{"calendar_integration", "open or create today's day note", `{"action": "create_day_note", "date": "today"}`},
			{"manage_note", "append the entry to the day note", `{"action": "append", "noteId": "<day note id>", "content": "..."}`},
		},
	},
	{
		name:     "organize",
		keywords: []string{"organize", "organise", "file", "move", "categorize", "structure", "clone"},
		steps: []WorkflowStep{
			{"smart_search", "find the notes to organize", `{"query": "<topic>"}`},
			{"navigate_hierarchy", "inspect where they live", `{"noteId": "<note id>", "direction": "parents"}`},
			{"clone_note", "place them under additional parents", `{"sourceNoteId": "<note id>", "targetParentIds": ["<parent id>"]}`},
		},
	},
	{
		name:     "tag",
		keywords: []string{"tag", "label", "attribute", "mark"},
		steps: []WorkflowStep{
			{"smart_search", "find the notes to tag", `{"query": "<topic>"}`},
			{"attribute_manager", "add the label", `{"action": "add", "noteId": "<note id>", "name": "status", "value": "done"}`},
		},
	},
	{
		name:     "summarize",
		keywords: []string{"summarize", "summarise", "summary", "overview", "outline", "review"},
		steps: []WorkflowStep{
			{"smart_search", "find the relevant notes", `{"query": "<topic>"}`},
			{"content_extraction", "pull the headings of each note", `{"noteId": "<note id>", "extractionType": "headings"}`},
			{"manage_note", "read notes whose headings look relevant", `{"action": "read", "noteId": "<note id>"}`},
		},
	},
	{
		name:     "capture",
		keywords: []string{"write", "create", "new", "capture", "draft", "save"},
		steps: []WorkflowStep{
			{"smart_search", "check whether a note on the topic exists", `{"query": "<topic>"}`},
			{"manage_note", "create or append to the note", `{"action": "create", "title": "<title>", "content": "..."}`},
		},
	},
}

// WorkflowHelperTool suggests a sequence of tool calls for a goal. It does
// not touch the note store.
type WorkflowHelperTool struct{}

// NewWorkflowHelperTool 创建工作流助手
func NewWorkflowHelperTool() *WorkflowHelperTool { return &WorkflowHelperTool{} }

func (t *WorkflowHelperTool) Name() string { return "workflow_helper" }

func (t *WorkflowHelperTool) Deterministic() bool { return true }

func (t *WorkflowHelperTool) Definition() core.Tool {
	return core.NewTool(t.Name(),
		"Suggest which note tools to call, in order, to accomplish a goal.",
		object([]string{"goal"}, map[string]*core.JSONSchema{
			"goal": str("What the user wants to achieve"),
		}))
}

func (t *WorkflowHelperTool) Execute(ctx context.Context, args map[string]any) (*core.ToolResponse, error) {
	goal := argString(args, "goal")
	if goal == "" {
		return missingParam(t.Name(), "goal", `workflow_helper({"goal": "summarize my project notes"})`), nil
	}
	words := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})

	best, bestScore := -1, 0
	for i, wf := range workflows {
		score := 0
		for _, w := range words {
			for _, k := range wf.keywords {
				if w == k {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		return core.Success(map[string]any{
			"goal":     goal,
			"workflow": "explore",
			"steps": []WorkflowStep{
				{"smart_search", "start by finding notes related to the goal", `{"query": "<keywords from the goal>"}`},
				{"navigate_hierarchy", "or browse from the root", `{"noteId": "root", "direction": "children"}`},
			},
		}, &core.NextSteps{Suggested: "ask the user to clarify the goal if the search finds nothing"}), nil
	}
	wf := workflows[best]
	return core.Success(map[string]any{"goal": goal, "workflow": wf.name, "steps": wf.steps}, &core.NextSteps{
		Suggested: "call " + wf.steps[0].Tool + " first",
	}), nil
}
