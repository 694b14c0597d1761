// Package runner implements the single-slot execution service: admission,
// sandbox supervision, output capture, lifecycle events, and the HTTP
// surface the dispatcher and gateway talk to.
package runner

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evalbox/evalbox/internal/config"
	"github.com/evalbox/evalbox/internal/domain"
)

// builtinLanguages are the runtimes the platform knows out of the box.
// Commands use the {source} placeholder that the docker driver substitutes
// with the mounted source path.
var builtinLanguages = map[string]domain.LanguageSpec{
	"python": {Tag: "python", Image: "python:3.12-alpine", Command: []string{"python3", "{source}"}},
	"node":   {Tag: "node", Image: "node:22-alpine", Command: []string{"node", "{source}"}},
	"bash":   {Tag: "bash", Image: "bash:5.2", Command: []string{"bash", "{source}"}},
}

// Catalog is the closed set of runnable languages for one runner.
type Catalog struct {
	specs map[string]domain.LanguageSpec
}

// languagesFile is the YAML shape of LANGUAGES_FILE.
type languagesFile struct {
	Languages []domain.LanguageSpec `yaml:"languages"`
}

// LoadCatalog resolves the supported set from built-ins, SANDBOX_IMAGES
// overrides, and an optional LANGUAGES_FILE, in that precedence order.
// Every supported tag must end up with an image and a command.
func LoadCatalog(cfg config.Config) (*Catalog, error) {
	merged := make(map[string]domain.LanguageSpec, len(builtinLanguages))
	for tag, spec := range builtinLanguages {
		merged[tag] = spec
	}

	for tag, img := range cfg.ImageOverrides() {
		tag = strings.ToLower(tag)
		spec := merged[tag]
		spec.Tag, spec.Image = tag, img
		merged[tag] = spec
	}

	if cfg.LanguagesFile != "" {
		raw, err := os.ReadFile(cfg.LanguagesFile)
		if err != nil {
			return nil, fmt.Errorf("op=runner.LoadCatalog: %w", err)
		}
		var lf languagesFile
		if err := yaml.Unmarshal(raw, &lf); err != nil {
			return nil, fmt.Errorf("op=runner.LoadCatalog: %s: %w", cfg.LanguagesFile, err)
		}
		for _, spec := range lf.Languages {
			tag := strings.ToLower(strings.TrimSpace(spec.Tag))
			if tag == "" {
				return nil, fmt.Errorf("op=runner.LoadCatalog: %s: entry without tag", cfg.LanguagesFile)
			}
			spec.Tag = tag
			merged[tag] = spec
		}
	}

	cat := &Catalog{specs: make(map[string]domain.LanguageSpec, len(cfg.SupportedLanguages))}
	for _, raw := range cfg.SupportedLanguages {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		spec, ok := merged[tag]
		if !ok || spec.Image == "" || len(spec.Command) == 0 {
			return nil, fmt.Errorf("op=runner.LoadCatalog: language %q has no runnable catalog entry", tag)
		}
		cat.specs[tag] = spec
	}
	if len(cat.specs) == 0 {
		return nil, fmt.Errorf("op=runner.LoadCatalog: no supported languages configured")
	}
	return cat, nil
}

// Lookup resolves a language tag, case-insensitively.
func (c *Catalog) Lookup(tag string) (domain.LanguageSpec, bool) {
	spec, ok := c.specs[strings.ToLower(strings.TrimSpace(tag))]
	return spec, ok
}

// Tags returns the supported tags, unsorted.
func (c *Catalog) Tags() []string {
	tags := make([]string, 0, len(c.specs))
	for tag := range c.specs {
		tags = append(tags, tag)
	}
	return tags
}
