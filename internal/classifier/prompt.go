package classifier

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/local/defectscan/internal/corpus"
	"github.com/local/defectscan/internal/scan"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// Templates renders the instruction sent for each phase.
type Templates struct {
	Start *template.Template
	End   *template.Template
}

// PagePreview is one page as shown to the model.
type PagePreview struct {
	Number  int
	Preview string
}

// StartData feeds the start template.
type StartData struct {
	Pages        []PagePreview
	PagesContent string
}

// EndData feeds the end template. StartText is the anchor page text.
type EndData struct {
	StartData
	StartPage int
	StartText string
}

// DefaultTemplates returns the embedded prompts.
func DefaultTemplates() Templates {
	return Templates{
		Start: template.Must(template.ParseFS(promptFS, "prompts/start.tmpl")),
		End:   template.Must(template.ParseFS(promptFS, "prompts/end.tmpl")),
	}
}

// LoadTemplates overrides the embedded prompts with files. Empty paths keep the default.
func LoadTemplates(startPath, endPath string) (Templates, error) {
	t := DefaultTemplates()
	var err error
	if startPath != "" {
		if t.Start, err = parseFile("start", startPath); err != nil {
			return t, err
		}
	}
	if endPath != "" {
		if t.End, err = parseFile("end", endPath); err != nil {
			return t, err
		}
	}
	return t, nil
}

func parseFile(name, path string) (*template.Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s prompt: %w", name, err)
	}
	tpl, err := template.New(name).Option("missingkey=error").Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("parse %s prompt %s: %w", name, path, err)
	}
	return tpl, nil
}

// flatten truncates to max runes and folds newlines into spaces.
func flatten(s string, max int) string {
	if max > 0 {
		r := []rune(s)
		if len(r) > max {
			s = string(r[:max])
		}
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

func previews(pages []corpus.Page, max int) ([]PagePreview, string) {
	out := make([]PagePreview, 0, len(pages))
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		pv := PagePreview{Number: p.Number, Preview: flatten(p.Text, max)}
		out = append(out, pv)
		parts = append(parts, fmt.Sprintf("PAGE %d: %s", pv.Number, pv.Preview))
	}
	return out, strings.Join(parts, "\n\n")
}

// Render builds the prompt for req.
func (t Templates) Render(req scan.Request, maxCharsPerPage, maxAnchorChars int) (string, error) {
	pv, content := previews(req.Pages, maxCharsPerPage)
	sd := StartData{Pages: pv, PagesContent: content}

	var buf bytes.Buffer
	switch req.Phase {
	case scan.PhaseSeekingStart:
		if err := t.Start.Execute(&buf, sd); err != nil {
			return "", fmt.Errorf("render start prompt: %w", err)
		}
	case scan.PhaseSeekingEnd:
		if req.Anchor == nil {
			return "", fmt.Errorf("end prompt needs the start page")
		}
		ed := EndData{StartData: sd, StartPage: req.Anchor.Number, StartText: flatten(req.Anchor.Text, maxAnchorChars)}
		if err := t.End.Execute(&buf, ed); err != nil {
			return "", fmt.Errorf("render end prompt: %w", err)
		}
	default:
		return "", fmt.Errorf("no prompt for phase %s", req.Phase)
	}
	return buf.String(), nil
}
