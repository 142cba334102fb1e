package narrative

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/basket/narrabot/internal/store"
)

type contentFile struct {
	Fragments []store.Fragment `yaml:"fragments"`
	Hints     []store.Hint     `yaml:"hints"`
}

// LoadContent reads fragments.yaml and hints.yaml from dir and upserts
// them into the document store. The graph is validated before any write
// lands, so a broken file cannot half-apply.
func LoadContent(ctx context.Context, docs store.Documents, dir string) (fragments, hints int, err error) {
	frags, err := loadFragments(filepath.Join(dir, "fragments.yaml"))
	if err != nil {
		return 0, 0, err
	}
	hs, err := loadHints(filepath.Join(dir, "hints.yaml"))
	if err != nil {
		return 0, 0, err
	}
	if err := validateGraph(frags, hs); err != nil {
		return 0, 0, err
	}

	for i := range frags {
		if err := docs.UpsertFragment(ctx, &frags[i]); err != nil {
			return fragments, hints, fmt.Errorf("upsert fragment %s: %w", frags[i].ID, err)
		}
		fragments++
	}
	for i := range hs {
		if err := docs.UpsertHint(ctx, &hs[i]); err != nil {
			return fragments, hints, fmt.Errorf("upsert hint %s: %w", hs[i].ID, err)
		}
		hints++
	}
	return fragments, hints, nil
}

func loadFragments(path string) ([]store.Fragment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f contentFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Fragments, nil
}

func loadHints(path string) ([]store.Hint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f contentFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Hints, nil
}

// validateGraph rejects duplicate ids, dangling next_fragment_id edges,
// and hints that unlock unknown fragments.
func validateGraph(frags []store.Fragment, hints []store.Hint) error {
	ids := make(map[string]struct{}, len(frags))
	for _, f := range frags {
		if f.ID == "" {
			return fmt.Errorf("fragment with empty id")
		}
		if _, dup := ids[f.ID]; dup {
			return fmt.Errorf("duplicate fragment id %q", f.ID)
		}
		ids[f.ID] = struct{}{}
	}
	for _, f := range frags {
		seen := make(map[string]struct{}, len(f.Choices))
		for _, c := range f.Choices {
			if c.ID == "" {
				return fmt.Errorf("fragment %q has a choice with empty id", f.ID)
			}
			if _, dup := seen[c.ID]; dup {
				return fmt.Errorf("fragment %q has duplicate choice id %q", f.ID, c.ID)
			}
			seen[c.ID] = struct{}{}
			if c.NextFragmentID != "" {
				if _, ok := ids[c.NextFragmentID]; !ok {
					return fmt.Errorf("fragment %q choice %q points at unknown fragment %q",
						f.ID, c.ID, c.NextFragmentID)
				}
			}
		}
	}

	hintIDs := make(map[string]struct{}, len(hints))
	for _, h := range hints {
		if h.ID == "" {
			return fmt.Errorf("hint with empty id")
		}
		if _, dup := hintIDs[h.ID]; dup {
			return fmt.Errorf("duplicate hint id %q", h.ID)
		}
		hintIDs[h.ID] = struct{}{}
		if h.Cost < 0 {
			return fmt.Errorf("hint %q has negative cost", h.ID)
		}
		for _, fid := range h.Unlocks.FragmentIDs {
			if _, ok := ids[fid]; !ok {
				return fmt.Errorf("hint %q unlocks unknown fragment %q", h.ID, fid)
			}
		}
	}
	return nil
}
