package notify

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed data/*.json
var files embed.FS

// Renderer renders localized message parts by key.
type Renderer interface {
	Render(key string, data any) (string, error)
}

// Bundle holds parsed templates for one language.
type Bundle struct {
	lang      string
	templates map[string]*template.Template
}

// LoadTemplates loads the bundle for lang, falling back to en.
func LoadTemplates(lang string) (*Bundle, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang != "fr" {
		lang = "en"
	}
	raw, err := files.ReadFile(fmt.Sprintf("data/%s.json", lang))
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var messages map[string]string
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	parsed := make(map[string]*template.Template, len(messages))
	for key, value := range messages {
		tmpl, err := template.New(key).Option("missingkey=zero").Parse(value)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", key, err)
		}
		parsed[key] = tmpl
	}
	return &Bundle{lang: lang, templates: parsed}, nil
}

func (b *Bundle) Lang() string { return b.lang }

func (b *Bundle) Render(key string, data any) (string, error) {
	if b == nil {
		return "", fmt.Errorf("templates bundle is nil")
	}
	tmpl, ok := b.templates[key]
	if !ok {
		return "", fmt.Errorf("template not found: %s", key)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", key, err)
	}
	return out.String(), nil
}

// Compose renders the subject and body for a notification kind.
func Compose(r Renderer, kind string, fields map[string]string) (subject, body string, err error) {
	if subject, err = r.Render(kind+".subject", fields); err != nil {
		return "", "", err
	}
	if body, err = r.Render(kind+".body", fields); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(subject), body, nil
}
