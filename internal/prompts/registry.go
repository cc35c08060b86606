// Package prompts resolves per-language prompt templates for the research
// workflow. Templates are embedded at build time and validated against the
// placeholder manifest when the registry loads.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"deepresearch/internal/errors"
)

//go:embed templates
var templateFS embed.FS

// Template names consumed by the workflow engine.
const (
	Clarification = "clarification"
	ResearchBrief = "research_brief"
	Supervisor    = "supervisor"
	Researcher    = "researcher"
	Compression   = "compression"
	FinalReport   = "final_report"
)

// ProceedToResearch is the sentinel a clarification response contains when
// the raw question is already specific enough to research directly.
const ProceedToResearch = "PROCEED_TO_RESEARCH"

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Template is one localized prompt with its declared placeholder set.
type Template struct {
	Name         string
	Language     string
	Content      string
	Placeholders []string
}

type manifest struct {
	Languages []string                 `yaml:"languages"`
	Templates map[string]manifestEntry `yaml:"templates"`
}

type manifestEntry struct {
	Placeholders []string `yaml:"placeholders"`
}

// Registry holds the loaded templates keyed by language and name.
type Registry struct {
	manifest  manifest
	templates map[string]map[string]*Template
}

// NewRegistry loads the embedded templates and validates them against the
// manifest. overrideDir, when non-empty, overlays files laid out as
// <dir>/<language>/<name>.md on top of the embedded set; overlays are
// validated the same way.
func NewRegistry(overrideDir string) (*Registry, error) {
	r := &Registry{templates: make(map[string]map[string]*Template)}

	raw, err := templateFS.ReadFile("templates/manifest.yaml")
	if err != nil {
		return nil, fmt.Errorf("read template manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &r.manifest); err != nil {
		return nil, fmt.Errorf("parse template manifest: %w", err)
	}
	if len(r.manifest.Languages) == 0 || len(r.manifest.Templates) == 0 {
		return nil, fmt.Errorf("template manifest declares no languages or templates")
	}

	for _, lang := range r.manifest.Languages {
		if err := r.loadLanguage(lang); err != nil {
			return nil, err
		}
	}
	if overrideDir != "" {
		if err := r.overlay(overrideDir); err != nil {
			return nil, err
		}
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadLanguage(lang string) error {
	dir := "templates/" + lang
	entries, err := templateFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read embedded templates for %q: %w", lang, err)
	}
	r.templates[lang] = make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := templateFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read embedded template %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		r.templates[lang][name] = &Template{
			Name:     name,
			Language: lang,
			Content:  string(content),
		}
	}
	return nil
}

func (r *Registry) overlay(dir string) error {
	for _, lang := range r.manifest.Languages {
		langDir := filepath.Join(dir, lang)
		entries, err := os.ReadDir(langDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read template override dir %s: %w", langDir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			content, err := os.ReadFile(filepath.Join(langDir, entry.Name()))
			if err != nil {
				return fmt.Errorf("read template override %s: %w", entry.Name(), err)
			}
			name := strings.TrimSuffix(entry.Name(), ".md")
			r.templates[lang][name] = &Template{
				Name:     name,
				Language: lang,
				Content:  string(content),
			}
		}
	}
	return nil
}

// validate enforces the manifest contract: every language carries every
// declared template, no template exists outside the manifest, and every
// placeholder found in a template body is declared for it.
func (r *Registry) validate() error {
	for _, lang := range r.manifest.Languages {
		byName := r.templates[lang]
		for name, decl := range r.manifest.Templates {
			tpl, ok := byName[name]
			if !ok {
				return fmt.Errorf("language %q is missing template %q", lang, name)
			}
			declared := make(map[string]bool, len(decl.Placeholders))
			for _, p := range decl.Placeholders {
				declared[p] = true
			}
			for _, match := range placeholderPattern.FindAllStringSubmatch(tpl.Content, -1) {
				if !declared[match[1]] {
					return fmt.Errorf("template %s/%s uses undeclared placeholder %q", lang, name, match[1])
				}
			}
			tpl.Placeholders = append([]string(nil), decl.Placeholders...)
		}
		for name := range byName {
			if _, ok := r.manifest.Templates[name]; !ok {
				return fmt.Errorf("template %s/%s is not declared in the manifest", lang, name)
			}
		}
	}
	return nil
}

// Languages returns the language codes the registry serves.
func (r *Registry) Languages() []string {
	langs := append([]string(nil), r.manifest.Languages...)
	sort.Strings(langs)
	return langs
}

// Names returns the declared template names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.manifest.Templates))
	for name := range r.manifest.Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Template returns the named template in the given language. Languages the
// registry does not serve fall back to English.
func (r *Registry) Template(name, language string) (*Template, error) {
	byName, ok := r.templates[language]
	if !ok {
		byName = r.templates["en"]
	}
	tpl, ok := byName[name]
	if !ok {
		return nil, errors.Newf(errors.KindInternal, "prompt template %q not found", name)
	}
	return tpl, nil
}

// Render substitutes vars into the named template. Every declared placeholder
// must be provided; extra vars are ignored.
func (r *Registry) Render(name, language string, vars map[string]string) (string, error) {
	tpl, err := r.Template(name, language)
	if err != nil {
		return "", err
	}
	content := tpl.Content
	for _, key := range tpl.Placeholders {
		value, ok := vars[key]
		if !ok {
			return "", errors.Newf(errors.KindInternal,
				"template %s/%s: missing value for placeholder %q", tpl.Language, name, key)
		}
		content = strings.ReplaceAll(content, "{{"+key+"}}", value)
	}
	return content, nil
}
