package chat

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed persona.yaml
var defaultPersona []byte

// Persona is the stylist the chat speaks as.
type Persona struct {
	Name        string `yaml:"name" json:"name"`
	Title       string `yaml:"title" json:"title"`
	Greeting    string `yaml:"greeting" json:"greeting"`
	Placeholder string `yaml:"placeholder" json:"placeholder"`
	Prompt      string `yaml:"prompt" json:"-"`
	ErrorReply  string `yaml:"error_reply" json:"-"`

	prompt     *template.Template
	errorReply *template.Template
}

// LoadPersona reads the persona at path, or the embedded one when path is empty.
func LoadPersona(path string) (*Persona, error) {
	data := defaultPersona
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
	}
	return ParsePersona(data)
}

// ParsePersona decodes and compiles a persona document.
func ParsePersona(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New("persona name is required")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, errors.New("persona prompt is required")
	}
	if p.ErrorReply == "" {
		p.ErrorReply = "Oops! Something went wrong 💫 Error: {{.Error}}"
	}

	var err error
	if p.prompt, err = template.New("prompt").Option("missingkey=error").Parse(p.Prompt); err != nil {
		return nil, fmt.Errorf("parse persona prompt: %w", err)
	}
	if p.errorReply, err = template.New("error_reply").Option("missingkey=error").Parse(p.ErrorReply); err != nil {
		return nil, fmt.Errorf("parse persona error reply: %w", err)
	}
	return &p, nil
}

// RenderPrompt interpolates the visitor's message into the prompt.
func (p *Persona) RenderPrompt(message string) (string, error) {
	var b strings.Builder
	if err := p.prompt.Execute(&b, struct{ Message string }{message}); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

// RenderError formats a failed generation as the stylist's reply.
func (p *Persona) RenderError(cause string) string {
	var b strings.Builder
	if err := p.errorReply.Execute(&b, struct{ Error string }{cause}); err != nil {
		return "Error: " + cause
	}
	return b.String()
}
