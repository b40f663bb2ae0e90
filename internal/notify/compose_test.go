package notify

import (
	"strings"
	"testing"
)

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{
			name: "bold",
			md:   "This is **bold** text",
			want: "This is bold text",
		},
		{
			name: "link keeps target",
			md:   "See the [transcript](http://host/turns/1) now",
			want: "See the transcript (http://host/turns/1) now",
		},
		{
			name: "heading",
			md:   "## Section Title\n\nSome text",
			want: "Section Title\n\nSome text",
		},
		{
			name: "plain text unchanged",
			md:   "Just some regular text.",
			want: "Just some regular text.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := markdownToPlain(tt.md)
			if got != tt.want {
				t.Errorf("markdownToPlain(%q) =\n  %q\nwant\n  %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestMarkdownToHTML(t *testing.T) {
	html, err := markdownToHTML("Hello **world**")
	if err != nil {
		t.Fatalf("markdownToHTML() error: %v", err)
	}

	if !strings.Contains(html, "<strong>world</strong>") {
		t.Error("HTML should contain <strong> tag for bold")
	}
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("HTML should have DOCTYPE wrapper")
	}
}

func TestComposeMessage(t *testing.T) {
	msg, err := composeMessage(
		"Skald <skald@example.com>",
		"ops@example.com",
		"Input needed",
		"Answer **now** please",
	)
	if err != nil {
		t.Fatalf("composeMessage() error: %v", err)
	}

	s := string(msg)

	if !strings.Contains(s, "From:") || !strings.Contains(s, "skald@example.com") {
		t.Error("message should contain From header with address")
	}
	if !strings.Contains(s, "To:") || !strings.Contains(s, "ops@example.com") {
		t.Error("message should contain To header with address")
	}
	if !strings.Contains(s, "Subject: Input needed") {
		t.Error("message should contain Subject header")
	}
	if !strings.Contains(s, "Message-Id:") {
		t.Error("message should contain Message-Id header")
	}

	// Check multipart/alternative structure.
	if !strings.Contains(s, "multipart/alternative") {
		t.Error("message should be multipart/alternative")
	}
	if !strings.Contains(s, "text/plain") {
		t.Error("message should contain text/plain part")
	}
	if !strings.Contains(s, "text/html") {
		t.Error("message should contain text/html part")
	}
}

func TestComposeMessage_InvalidFrom(t *testing.T) {
	_, err := composeMessage("not-an-email", "ops@example.com", "Subject", "Body")
	if err == nil {
		t.Error("composeMessage should fail with invalid From address")
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare address", "user@example.com", "user@example.com"},
		{"name and address", "Alice <alice@example.com>", "alice@example.com"},
		{"just angle brackets", "<user@test.com>", "user@test.com"},
		{"empty", "", ""},
		{"no closing bracket", "Alice <user@test.com", "Alice <user@test.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractAddress(tt.input)
			if got != tt.want {
				t.Errorf("extractAddress(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
