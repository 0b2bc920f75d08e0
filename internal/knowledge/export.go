package knowledge

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/runeforge/internal/storage"
)

// Document is the YAML form of an export.
type Document struct {
	ExportedAt time.Time   `yaml:"exported_at"`
	Orbs       []OrbExport `yaml:"orbs"`
}

type OrbExport struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description,omitempty"`
	Confidence  float64      `yaml:"confidence"`
	Runes       []RuneExport `yaml:"runes,omitempty"`
}

type RuneExport struct {
	Pattern       string            `yaml:"pattern"`
	Content       string            `yaml:"content"`
	Language      string            `yaml:"language"`
	Version       int               `yaml:"version"`
	TaskID        string            `yaml:"task_id,omitempty"`
	Source        string            `yaml:"source,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty"`
	FeedbackScore float64           `yaml:"feedback_score"`
	UsageCount    int               `yaml:"usage_count"`
	Flagged       bool              `yaml:"flagged,omitempty"`
}

// RuneStore is the subset of storage.Store used by Export and Import.
type RuneStore interface {
	OrbStore
	ListRunes(ctx context.Context, f storage.RuneFilter) ([]storage.Rune, error)
	CreateRune(ctx context.Context, r storage.Rune) (storage.Rune, error)
}

// Export renders every orb and its runes as YAML. Drafts are included only
// when includeDrafts is set.
func Export(ctx context.Context, store RuneStore, includeDrafts bool, now time.Time) ([]byte, error) {
	orbs, err := store.ListOrbs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing orbs: %w", err)
	}

	doc := Document{ExportedAt: now.UTC()}
	for _, o := range orbs {
		f := storage.RuneFilter{OrbID: o.ID}
		if !includeDrafts {
			v := storage.VersionProduction
			f.Version = &v
		}
		runes, err := store.ListRunes(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("listing runes of %s: %w", o.Name, err)
		}
		oe := OrbExport{Name: o.Name, Description: o.Description, Confidence: o.Confidence}
		for _, r := range runes {
			oe.Runes = append(oe.Runes, RuneExport{
				Pattern:       r.Pattern,
				Content:       r.Content,
				Language:      r.Language,
				Version:       r.Version,
				TaskID:        r.TaskID,
				Source:        r.Source,
				Metadata:      r.Metadata,
				FeedbackScore: r.FeedbackScore,
				UsageCount:    r.UsageCount,
				Flagged:       r.Flagged,
			})
		}
		doc.Orbs = append(doc.Orbs, oe)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding export: %w", err)
	}
	return out, nil
}

// Import reads a Document and stores its runes as drafts with source
// "import". Imported runes never enter production without approval.
// Returns the number of runes created.
func Import(ctx context.Context, store RuneStore, data []byte) (int, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decoding import: %w", err)
	}

	n := 0
	for _, oe := range doc.Orbs {
		o, err := store.EnsureOrb(ctx, oe.Name, oe.Description)
		if err != nil {
			return n, err
		}
		for _, re := range oe.Runes {
			if re.Pattern == "" || re.Content == "" {
				continue
			}
			lang := re.Language
			if lang == "" {
				lang = DetectLanguage(re.Content)
			}
			if _, err := store.CreateRune(ctx, storage.Rune{
				OrbID:    o.ID,
				Pattern:  re.Pattern,
				Content:  re.Content,
				Language: lang,
				Version:  storage.VersionDraft,
				TaskID:   re.TaskID,
				Source:   "import",
				Metadata: re.Metadata,
			}); err != nil {
				return n, fmt.Errorf("importing rune %q: %w", re.Pattern, err)
			}
			n++
		}
	}
	return n, nil
}
