package web

import (
	"encoding/json"
	"net/http"

	"github.com/skaldhq/skald/internal/convo"
)

// TranscriptData is the template context for the turn transcript page.
type TranscriptData struct {
	PageData
	Turn  *turnDetailView
	Steps []*stepRow
}

// turnDetailView holds turn fields formatted for the transcript header.
type turnDetailView struct {
	ID        string
	ShortID   string
	SessionID string
	ShortSess string
	UserID    string
	Status    string
	Message   string
	CreatedAt string
}

// stepRow is one step of the log formatted for display. Fields beyond
// Index and Kind are populated per kind; the template switches on Kind.
type stepRow struct {
	Index int
	Kind  string
	At    string

	Text    string // thought, final_answer
	Outcome string // final_answer

	Tool       string // tool_call, tool_result
	Args       string // tool_call, pretty-printed JSON
	Status     string // tool_result
	Output     string // tool_result
	Error      string // tool_result
	DurationMs int64  // tool_result
	Credits    int64  // tool_result

	Question string   // human_request
	Input    string   // human_request kind
	Options  []string // human_request
	Expires  string   // human_request
	Answer   string   // human_response
}

// handleTranscript renders the step log for a single turn.
func (s *WebServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.convo == nil {
		http.Error(w, "conversation store not configured", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	turn, err := s.convo.GetTurn(r.Context(), id)
	if err != nil {
		s.logger.Error("turn load failed", "id", id, "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	if turn == nil {
		http.NotFound(w, r)
		return
	}

	steps, err := s.convo.GetSteps(r.Context(), id)
	if err != nil {
		s.logger.Error("turn steps failed", "id", id, "error", err)
	}

	data := TranscriptData{
		PageData: PageData{ActiveNav: "sessions"},
		Turn: &turnDetailView{
			ID:        turn.ID,
			ShortID:   shortID(turn.ID),
			SessionID: turn.SessionID,
			ShortSess: shortID(turn.SessionID),
			UserID:    turn.UserID,
			Status:    turn.Status,
			Message:   turn.UserMessage,
			CreatedAt: formatTime(turn.CreatedAt),
		},
		Steps: stepsToRows(steps),
	}

	s.render(w, r, "transcript.html", data)
}

func stepsToRows(steps []convo.Step) []*stepRow {
	rows := make([]*stepRow, 0, len(steps))
	for _, step := range steps {
		row := &stepRow{
			Index: step.Index,
			Kind:  step.Kind,
			At:    step.CreatedAt.Local().Format("15:04:05"),
		}

		switch step.Kind {
		case convo.StepThought:
			var p convo.ThoughtPayload
			if step.Decode(&p) == nil {
				row.Text = p.Text
			}
		case convo.StepToolCall:
			var p convo.ToolCallPayload
			if step.Decode(&p) == nil {
				row.Tool = p.Tool
				row.Args = prettyArgs(p.Args)
			}
		case convo.StepToolResult:
			var p convo.ToolResultPayload
			if step.Decode(&p) == nil {
				row.Tool = p.Tool
				row.Status = p.Status
				row.Output = p.Output
				row.Error = p.ErrorMessage
				row.DurationMs = p.DurationMS
				row.Credits = p.CreditsCharged
			}
		case convo.StepHumanRequest:
			var p convo.HumanRequestPayload
			if step.Decode(&p) == nil {
				row.Question = p.Question
				row.Input = p.Kind
				row.Expires = formatTime(p.ExpiresAt)
				for _, opt := range p.Options {
					row.Options = append(row.Options, opt.Label)
				}
			}
		case convo.StepHumanResponse:
			var p convo.HumanResponsePayload
			if step.Decode(&p) == nil {
				row.Answer = p.Value
			}
		case convo.StepFinalAnswer:
			var p convo.FinalAnswerPayload
			if step.Decode(&p) == nil {
				row.Text = p.Text
				row.Outcome = p.Outcome
			}
		}

		rows = append(rows, row)
	}
	return rows
}

// prettyArgs formats tool arguments as indented JSON for display.
func prettyArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
