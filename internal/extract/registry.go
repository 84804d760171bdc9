package extract

import (
	"fmt"
	"strings"
)

var ErrNoExtractor = fmt.Errorf("no extractor registered")

type Registry struct {
	byExtension map[string]Extractor
	extractors  []Extractor
}

func NewRegistry() *Registry {
	return &Registry{
		byExtension: make(map[string]Extractor),
		extractors:  make([]Extractor, 0),
	}
}

// Register adds e for each of its extensions that belongs to e's family.
// Extensions outside the family table are ignored so routing stays
// consistent with Classify.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
	for _, ext := range e.SupportedExtensions() {
		key := strings.ToLower(strings.TrimSpace(ext))
		if key == "" || FamilyForExt(key) != e.Family() {
			continue
		}
		r.byExtension[key] = e
	}
}

func (r *Registry) Resolve(extension string) (Extractor, error) {
	ext := strings.ToLower(strings.TrimSpace(extension))
	if e, ok := r.byExtension[ext]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w for extension %q", ErrNoExtractor, extension)
}

func (r *Registry) Extractors() []Extractor {
	out := make([]Extractor, len(r.extractors))
	copy(out, r.extractors)
	return out
}
