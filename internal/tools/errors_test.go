package tools

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestToolError_Error(t *testing.T) {
	err := &ToolError{Code: CodeExecutionFailed, Message: "upstream returned 502"}
	want := "execution_failed: upstream returned 502"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestToolError_ErrorsAs(t *testing.T) {
	orig := NotFound("web_search")

	var target *ToolError
	if !errors.As(orig, &target) {
		t.Fatal("errors.As failed to match *ToolError")
	}
	if target.Code != CodeNotFound {
		t.Errorf("Code = %q, want %q", target.Code, CodeNotFound)
	}
}

func TestToolError_WrappedErrorsAs(t *testing.T) {
	orig := Timeout("generate_ad_copy", 30*time.Second)
	wrapped := fmt.Errorf("tool execution: %w", orig)

	var target *ToolError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ToolError")
	}
	if target.Code != CodeTimeout {
		t.Errorf("Code = %q, want %q", target.Code, CodeTimeout)
	}
	if !target.Retryable {
		t.Error("timeouts should be retryable")
	}
}

func TestToolError_Constructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *ToolError
		wantCode  string
		retryable bool
	}{
		{"not found", NotFound("x"), CodeNotFound, false},
		{"invalid args", InvalidArgs("x", errors.New("missing field")), CodeInvalidArgs, false},
		{"timeout", Timeout("x", time.Second), CodeTimeout, true},
		{"exec failed", ExecFailed("x", errors.New("boom")), CodeExecutionFailed, false},
		{"transient", Transient("x", errors.New("connection reset")), CodeExecutionFailed, true},
		{"insufficient credits", InsufficientCredits("x", 10, 3), CodeInsufficientCredits, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
		})
	}
}

func TestInsufficientCredits_Message(t *testing.T) {
	err := InsufficientCredits("launch_campaign", 50, 12)
	want := `tool "launch_campaign" needs 50 credits, balance is 12`
	if got := err.Error(); got != "insufficient_credits: "+want {
		t.Errorf("Error() = %q", got)
	}
}
