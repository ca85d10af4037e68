// Package web renders the query panel page.
package web

import (
	"embed"
	"html/template"
	"io"

	"medot/internal/session"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Labels are the user-facing captions of the panel.
type Labels struct {
	Title        string
	Placeholder  string
	Send         string
	Summarize    string
	SelectedFile string
	Output       string
	Failure      string
	Reset        string
}

// KoreanLabels are the captions the panel ships with.
var KoreanLabels = Labels{
	Title:        "🩺 MeDot",
	Placeholder:  "질문을 입력하세요",
	Send:         "보내기",
	Summarize:    "녹음 파일 요약",
	SelectedFile: "선택된 파일:",
	Output:       "🧠 응답 결과:",
	Failure:      "요청 실패:",
	Reset:        "초기화",
}

// View is everything the page template needs.
type View struct {
	Labels       Labels
	Query        string
	Response     string
	SelectedFile string
	Notice       string
	Failure      string
}

// NewView projects session state onto the page. The failure slot is only
// rendered when surfaceFailures is set.
func NewView(state session.State, surfaceFailures bool) View {
	v := View{
		Labels:   KoreanLabels,
		Query:    state.Query,
		Response: state.Response,
		Notice:   state.Notice,
	}
	if state.File != nil {
		v.SelectedFile = state.File.Name
	}
	if surfaceFailures && state.HasFailure() {
		v.Failure = state.Failure.Message
	}
	return v
}

// Renderer executes the embedded page template.
type Renderer struct {
	templates *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}
	return &Renderer{templates: tmpl}, nil
}

// Render writes the panel page for v.
func (r *Renderer) Render(w io.Writer, v View) error {
	return r.templates.ExecuteTemplate(w, "panel", v)
}
