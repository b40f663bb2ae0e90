package web

import (
	"net/http"
)

// PlaybooksData is the template context for the playbook list page.
type PlaybooksData struct {
	PageData
	Playbooks []*playbookRow
}

// playbookRow is a display-friendly playbook reference.
type playbookRow struct {
	Name  string
	Title string
}

// PlaybookDetailData is the template context for a rendered playbook.
type PlaybookDetailData struct {
	PageData
	Name    string
	Title   string
	Content string
}

// handlePlaybooks renders the playbook list page.
func (s *WebServer) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	if s.playbooks == nil {
		http.Error(w, "playbook library not configured", http.StatusServiceUnavailable)
		return
	}

	var rows []*playbookRow
	for _, pb := range s.playbooks.List() {
		rows = append(rows, &playbookRow{Name: pb.Name, Title: pb.Title})
	}

	data := PlaybooksData{
		PageData:  PageData{ActiveNav: "playbooks"},
		Playbooks: rows,
	}

	s.render(w, r, "playbooks.html", data)
}

// handlePlaybookDetail renders a single playbook's markdown as HTML.
func (s *WebServer) handlePlaybookDetail(w http.ResponseWriter, r *http.Request) {
	if s.playbooks == nil {
		http.Error(w, "playbook library not configured", http.StatusServiceUnavailable)
		return
	}

	name := r.PathValue("name")
	pb, ok := s.playbooks.Get(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := PlaybookDetailData{
		PageData: PageData{ActiveNav: "playbooks"},
		Name:     pb.Name,
		Title:    pb.Title,
		Content:  pb.Content,
	}

	s.render(w, r, "playbook.html", data)
}
