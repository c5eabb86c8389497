package emailtask

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticTemplates is an in-memory TemplateRepository, usually loaded from a YAML file:
//
//	templates:
//	  - channel: EMAIL
//	    type: WELCOME
//	    language: en
//	    subject: "Welcome, {name}"
//	    body: "Hello {name}, your code is {code}."
type StaticTemplates struct {
	byKey map[string]Template
}

func NewStaticTemplates(templates ...Template) *StaticTemplates {
	s := &StaticTemplates{byKey: make(map[string]Template, len(templates))}
	for _, t := range templates {
		s.byKey[templateKey(t.Channel, t.Type, t.Language)] = t
	}
	return s
}

type templatesFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadStaticTemplates parses a templates document.
func LoadStaticTemplates(r io.Reader) (*StaticTemplates, error) {
	var f templatesFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	for i, t := range f.Templates {
		if t.Channel == "" || t.Type == "" || t.Language == "" {
			return nil, fmt.Errorf("template #%d: channel, type and language are required", i)
		}
	}
	return NewStaticTemplates(f.Templates...), nil
}

// LoadStaticTemplatesFile reads a templates document from path.
func LoadStaticTemplatesFile(path string) (*StaticTemplates, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadStaticTemplates(f)
}

func (s *StaticTemplates) FindOneBy(_ context.Context, channel, notificationType, language string) (Template, bool, error) {
	t, ok := s.byKey[templateKey(channel, notificationType, language)]
	return t, ok, nil
}

func templateKey(channel, notificationType, language string) string {
	return strings.ToUpper(channel) + "#" + strings.ToUpper(notificationType) + "#" + strings.ToLower(language)
}
