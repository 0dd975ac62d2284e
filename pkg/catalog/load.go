package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"gopkg.in/yaml.v3"
)

const (
	defaultContextWindow   = 128_000
	defaultMaxOutputTokens = 4096
	liveTimeout            = 10 * time.Second
)

// Sources configures where Load looks for models. Empty fields skip that source.
type Sources struct {
	// LiveURL is an OpenAI-compatible base URL exposing GET /models
	// (e.g. https://openrouter.ai/api/v1).
	LiveURL    string
	LiveAPIKey string
	// LiveProvider prefixes live ids that carry no provider part.
	LiveProvider string

	// File is a YAML or JSON provider→model mapping.
	File string

	// Aliases overrides DefaultAliases when non-nil.
	Aliases map[string]string
}

// Load builds a catalog from the first source that yields at least one model:
// live provider list, then mapping file, then the builtin list. It never fails.
func Load(ctx context.Context, src Sources) *Catalog {
	if src.LiveURL != "" {
		models, err := loadLive(ctx, src)
		if err == nil {
			slog.Info("model catalog loaded", "source", SourceLive, "models", len(models))
			return New(models, src.Aliases, SourceLive)
		}
		slog.Warn("live model list unavailable, falling back", "url", src.LiveURL, "error", err)
	}

	if src.File != "" {
		models, err := LoadFile(src.File)
		if err == nil {
			slog.Info("model catalog loaded", "source", SourceFile, "path", src.File, "models", len(models))
			return New(models, src.Aliases, SourceFile)
		}
		slog.Warn("model catalog file unavailable, falling back", "path", src.File, "error", err)
	}

	models := Builtin()
	slog.Info("model catalog loaded", "source", SourceBuiltin, "models", len(models))
	return New(models, src.Aliases, SourceBuiltin)
}

func loadLive(ctx context.Context, src Sources) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, liveTimeout)
	defer cancel()

	opts := []option.RequestOption{
		option.WithBaseURL(src.LiveURL),
		option.WithMaxRetries(1),
	}
	if src.LiveAPIKey != "" {
		opts = append(opts, option.WithAPIKey(src.LiveAPIKey))
	} else {
		opts = append(opts, option.WithAPIKey("unused"))
	}
	client := openai.NewClient(opts...)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var models []Descriptor
	for page != nil {
		for _, m := range page.Data {
			id := m.ID
			provider := m.OwnedBy
			if i := strings.IndexByte(id, '/'); i >= 0 {
				provider = id[:i]
			} else {
				if src.LiveProvider != "" {
					provider = src.LiveProvider
				}
				id = provider + "/" + id
			}
			if !ValidFormat(id) {
				slog.Debug("skipping live model with invalid id", "id", m.ID)
				continue
			}
			d := Descriptor{ID: id, Provider: provider}
			applyDefaults(&d)
			models = append(models, d)
		}
		page, err = page.GetNextPage()
		if err != nil {
			break
		}
	}

	if len(models) == 0 {
		return nil, errors.New("live model list is empty")
	}
	return models, nil
}

// fileModel is one entry under a provider in the mapping file. Every field but
// name is optional.
type fileModel struct {
	Name            string   `yaml:"name"`
	DisplayName     string   `yaml:"display_name"`
	ContextWindow   int      `yaml:"context_window"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Reasoning       bool     `yaml:"reasoning"`
	Input           []string `yaml:"input"`
	Output          []string `yaml:"output"`
}

type fileProvider struct {
	Models []fileModel `yaml:"models"`
}

// LoadFile parses a provider→model mapping:
//
//	providers:
//	  deepseek:
//	    models:
//	      - name: deepseek-chat
//	        display_name: DeepSeek V3.2
//
// Provider order in the file is kept. JSON files use the same shape.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse catalog %s: top level must be a mapping", path)
	}

	providers := mappingValue(root.Content[0], "providers")
	if providers == nil || providers.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse catalog %s: missing providers mapping", path)
	}

	var models []Descriptor
	for i := 0; i+1 < len(providers.Content); i += 2 {
		provider := providers.Content[i].Value
		var entry fileProvider
		if err := providers.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("parse catalog %s: provider %s: %w", path, provider, err)
		}
		for _, fm := range entry.Models {
			d := Descriptor{
				ID:                provider + "/" + fm.Name,
				DisplayName:       fm.DisplayName,
				Provider:          provider,
				ContextWindow:     fm.ContextWindow,
				MaxOutputTokens:   fm.MaxOutputTokens,
				SupportsReasoning: fm.Reasoning,
				InputModalities:   fm.Input,
				OutputModalities:  fm.Output,
			}
			if !ValidFormat(d.ID) {
				slog.Warn("skipping catalog entry with invalid id", "path", path, "id", d.ID)
				continue
			}
			applyDefaults(&d)
			models = append(models, d)
		}
	}

	if len(models) == 0 {
		return nil, fmt.Errorf("catalog %s defines no models", path)
	}
	return models, nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func applyDefaults(d *Descriptor) {
	if d.DisplayName == "" {
		d.DisplayName = d.Name()
	}
	if d.ContextWindow <= 0 {
		d.ContextWindow = defaultContextWindow
	}
	if d.MaxOutputTokens <= 0 {
		d.MaxOutputTokens = defaultMaxOutputTokens
	}
	if len(d.InputModalities) == 0 {
		d.InputModalities = []string{"text"}
	}
	if len(d.OutputModalities) == 0 {
		d.OutputModalities = []string{"text"}
	}
}
