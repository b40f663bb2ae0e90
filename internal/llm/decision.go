package llm

import (
	"errors"
	"fmt"
	"strings"
)

// AskHumanToolName is the reserved catalog entry through which the
// model requests human input. The reasoning loop intercepts it before
// registry dispatch; it never reaches a handler.
const AskHumanToolName = "ask_human"

// Human input request kinds.
const (
	AskKindConfirmation = "confirmation"
	AskKindSelection    = "selection"
	AskKindFreeText     = "free_text"
)

// ErrUnparseable means the model's output could not be parsed into a
// decision. The caller re-prompts once with a stricter instruction
// before giving up.
var ErrUnparseable = errors.New("model output does not parse into a decision")

// DecisionKind identifies which of the four decision variants a model
// reply parsed into.
type DecisionKind int

const (
	// DecisionThought is intermediate reasoning; the loop calls the
	// model again.
	DecisionThought DecisionKind = iota
	// DecisionToolCall is a request to dispatch one catalog tool.
	DecisionToolCall
	// DecisionAskHuman suspends the turn for human input.
	DecisionAskHuman
	// DecisionFinalAnswer closes the turn with user-facing text.
	DecisionFinalAnswer
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionThought:
		return "thought"
	case DecisionToolCall:
		return "tool_call"
	case DecisionAskHuman:
		return "ask_human"
	case DecisionFinalAnswer:
		return "final_answer"
	default:
		return fmt.Sprintf("decision(%d)", int(k))
	}
}

// AskOption is one selectable answer offered to the human.
type AskOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Ask is a parsed ask_human call.
type Ask struct {
	Kind     string
	Question string
	Options  []AskOption
	Default  string // Pre-filled value for free_text asks
}

// Decision is one parsed model reply. Exactly one variant applies per
// Kind; Thought additionally carries any preamble text the model wrote
// alongside a tool call.
type Decision struct {
	Kind DecisionKind

	// Thought is the reasoning text for DecisionThought, or an optional
	// preamble accompanying a tool call.
	Thought string

	// Tool call fields (DecisionToolCall).
	CallID string
	Tool   string
	Args   map[string]any

	// Ask is set for DecisionAskHuman.
	Ask *Ask

	// Text is the final answer for DecisionFinalAnswer.
	Text string
}

const thoughtPrefix = "thought:"

// ParseDecision parses a model reply into exactly one decision.
// Parsing is strict: multiple tool calls, unnamed calls, malformed
// ask_human arguments, and empty replies all return ErrUnparseable so
// the loop can re-prompt.
func ParseDecision(resp *ChatResponse) (Decision, error) {
	if resp == nil {
		return Decision{}, fmt.Errorf("%w: nil response", ErrUnparseable)
	}

	calls := resp.Message.ToolCalls
	if len(calls) > 1 {
		return Decision{}, fmt.Errorf("%w: %d tool calls in one reply, expected one", ErrUnparseable, len(calls))
	}

	if len(calls) == 1 {
		tc := calls[0]
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			return Decision{}, fmt.Errorf("%w: tool call with empty name", ErrUnparseable)
		}

		thought := trimThought(resp.Message.Content)

		if name == AskHumanToolName {
			ask, err := parseAsk(tc.Function.Arguments)
			if err != nil {
				return Decision{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
			}
			return Decision{Kind: DecisionAskHuman, Thought: thought, Ask: ask}, nil
		}

		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		return Decision{
			Kind:    DecisionToolCall,
			Thought: thought,
			CallID:  tc.ID,
			Tool:    name,
			Args:    args,
		}, nil
	}

	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return Decision{}, fmt.Errorf("%w: empty reply", ErrUnparseable)
	}

	if rest, ok := cutThoughtPrefix(content); ok {
		if rest == "" {
			return Decision{}, fmt.Errorf("%w: empty thought", ErrUnparseable)
		}
		return Decision{Kind: DecisionThought, Thought: rest}, nil
	}

	return Decision{Kind: DecisionFinalAnswer, Text: content}, nil
}

// cutThoughtPrefix strips a leading "Thought:" marker, case-insensitive.
func cutThoughtPrefix(s string) (string, bool) {
	if len(s) < len(thoughtPrefix) {
		return s, false
	}
	if !strings.EqualFold(s[:len(thoughtPrefix)], thoughtPrefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(thoughtPrefix):]), true
}

// trimThought normalizes preamble text accompanying a tool call.
func trimThought(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := cutThoughtPrefix(s); ok {
		return rest
	}
	return s
}

func parseAsk(args map[string]any) (*Ask, error) {
	kind, _ := args["kind"].(string)
	kind = strings.TrimSpace(kind)
	switch kind {
	case AskKindConfirmation, AskKindSelection, AskKindFreeText:
	default:
		return nil, fmt.Errorf("invalid ask_human kind %q", kind)
	}

	question, _ := args["question"].(string)
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("ask_human requires a question")
	}

	opts := parseAskOptions(args["options"])
	if kind == AskKindSelection && len(opts) == 0 {
		return nil, errors.New("ask_human selection requires options")
	}
	if kind == AskKindConfirmation && len(opts) == 0 {
		opts = DefaultConfirmationOptions()
	}

	def, _ := args["default"].(string)

	return &Ask{
		Kind:     kind,
		Question: question,
		Options:  opts,
		Default:  strings.TrimSpace(def),
	}, nil
}

// parseAskOptions accepts either plain strings or {value, label,
// description} objects. Unlabeled options reuse the value as label.
func parseAskOptions(v any) []AskOption {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var opts []AskOption
	for _, item := range items {
		switch o := item.(type) {
		case string:
			if s := strings.TrimSpace(o); s != "" {
				opts = append(opts, AskOption{Value: s, Label: s})
			}
		case map[string]any:
			value, _ := o["value"].(string)
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			label, _ := o["label"].(string)
			if strings.TrimSpace(label) == "" {
				label = value
			}
			desc, _ := o["description"].(string)
			opts = append(opts, AskOption{Value: value, Label: label, Description: desc})
		}
	}
	return opts
}

// DefaultConfirmationOptions returns the implicit confirm/cancel pair
// used when a confirmation ask arrives without explicit options.
func DefaultConfirmationOptions() []AskOption {
	return []AskOption{
		{Value: "confirm", Label: "Confirm"},
		{Value: "cancel", Label: "Cancel"},
	}
}

// AskHumanToolSpec returns the reserved ask_human catalog entry in
// OpenAI function format, appended to the tool list on every decide
// call so the model can request human input.
func AskHumanToolSpec() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name": AskHumanToolName,
			"description": "Ask the user for input before continuing. Use kind " +
				"\"confirmation\" before risky or costed actions, \"selection\" to offer " +
				"choices, and \"free_text\" for anything open-ended.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{
						"type": "string",
						"enum": []string{AskKindConfirmation, AskKindSelection, AskKindFreeText},
					},
					"question": map[string]any{
						"type":        "string",
						"description": "The question shown to the user.",
					},
					"options": map[string]any{
						"type":        "array",
						"description": "Choices for selection asks. Strings or {value, label, description} objects.",
						"items":       map[string]any{},
					},
					"default": map[string]any{
						"type":        "string",
						"description": "Pre-filled value for free_text asks.",
					},
				},
				"required": []string{"kind", "question"},
			},
		},
	}
}
