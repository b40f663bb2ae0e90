package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/skaldhq/skald/internal/tools"
)

// RegisterTools adds the playbook tools to the catalog. Both are
// read-only and free: playbooks are reference material the model
// should reach for without worrying about budget.
func RegisterTools(r *tools.Registry, lib *Library, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &toolset{lib: lib, logger: logger.With("component", "playbook")}

	catalog := []*tools.Tool{
		{
			Name: "list_playbooks",
			Description: "List the team's marketing playbooks (launch checklists, audit procedures, " +
				"copy review rules) by name and title.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: ts.handleList,
		},
		{
			Name: "get_playbook",
			Description: "Fetch a playbook's full markdown content by name. Use when the user asks " +
				"how the team runs a launch, audit, or review, or when following one step by step.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Playbook name as returned by list_playbooks",
					},
				},
				"required": []string{"name"},
			},
			Handler: ts.handleGet,
		},
	}

	for _, t := range catalog {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

type toolset struct {
	lib    *Library
	logger *slog.Logger
}

type listEntry struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (ts *toolset) handleList(ctx context.Context, args map[string]any) (string, error) {
	books := ts.lib.List()
	entries := make([]listEntry, 0, len(books))
	for _, p := range books {
		entries = append(entries, listEntry{Name: p.Name, Title: p.Title})
	}
	out, err := json.Marshal(map[string]any{"playbooks": entries})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (ts *toolset) handleGet(ctx context.Context, args map[string]any) (string, error) {
	name, _ := args["name"].(string)
	p, ok := ts.lib.Get(name)
	if !ok {
		return "", fmt.Errorf("no playbook named %q", name)
	}
	return p.Content, nil
}
