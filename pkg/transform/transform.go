// Package transform turns extracted changes into sink-ready items.
//
// A Transformer is created per batch: Transform is called once per
// extracted item and Results returns everything accumulated so far. Errors
// of type nebulaerrors.ErrorTypeTransformDefinition mean the transform
// itself is unusable and the owning process must stop; any other error only
// concerns the item at hand.
package transform

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

const (
	// TypeMapping selects the declarative field mapping
	TypeMapping = "mapping"
	// TypePassthrough copies documents unchanged
	TypePassthrough = "passthrough"
)

// Transformer is a per-batch transform unit
type Transformer interface {
	Transform(ctx context.Context, item models.ExtractedItem) error
	Results() []models.TransformedItem
}

// Factory creates a fresh Transformer for each batch
type Factory func() Transformer

// NewFactory returns a Factory for cfg. Definition problems are not reported
// here: every Transformer produced by the factory fails its first Transform
// call with a definition error instead, so the owning process records the
// failure and stops like any other fatal transform error.
func NewFactory(cfg config.TransformConfig) Factory {
	switch cfg.Type {
	case "", TypeMapping:
		m, err := compileMapping(cfg)
		return func() Transformer { return &mappingTransformer{mapping: m, defErr: err} }
	case TypePassthrough:
		return func() Transformer { return &mappingTransformer{mapping: &mapping{target: cfg.Target}} }
	default:
		err := nebulaerrors.Newf(nebulaerrors.ErrorTypeTransformDefinition, "unknown transform type %q", cfg.Type)
		return func() Transformer { return &mappingTransformer{defErr: err} }
	}
}

// mapping is a compiled field mapping
type mapping struct {
	target  string
	include map[string]bool
	exclude map[string]bool
	rename  map[string]string
	require []string
}

func compileMapping(cfg config.TransformConfig) (*mapping, error) {
	m := &mapping{
		target:  cfg.Target,
		include: toSet(cfg.Include),
		exclude: toSet(cfg.Exclude),
		rename:  make(map[string]string, len(cfg.Rename)),
		require: cfg.Require,
	}

	for field := range m.include {
		if m.exclude[field] {
			return nil, definitionError("field %q is both included and excluded", field)
		}
	}

	targets := make(map[string]string, len(cfg.Rename))
	for from, to := range cfg.Rename {
		if from == "" || to == "" {
			return nil, definitionError("rename %q -> %q has an empty side", from, to)
		}
		if other, ok := targets[to]; ok {
			return nil, definitionError("fields %q and %q are both renamed to %q", other, from, to)
		}
		targets[to] = from
		m.rename[from] = to
	}

	for _, field := range cfg.Require {
		if m.exclude[field] {
			return nil, definitionError("required field %q is excluded", field)
		}
		if len(m.include) > 0 && !m.include[field] {
			return nil, definitionError("required field %q is not included", field)
		}
	}

	return m, nil
}

func definitionError(format string, args ...interface{}) error {
	return nebulaerrors.Newf(nebulaerrors.ErrorTypeTransformDefinition, format, args...)
}

func toSet(fields []string) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

type mappingTransformer struct {
	mapping *mapping
	defErr  error
	results []models.TransformedItem
}

func (t *mappingTransformer) Transform(ctx context.Context, item models.ExtractedItem) error {
	if t.defErr != nil {
		return t.defErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := t.mapping.apply(item)
	if err != nil {
		return err
	}
	t.results = append(t.results, out)
	return nil
}

func (t *mappingTransformer) Results() []models.TransformedItem {
	return t.results
}

func (m *mapping) apply(item models.ExtractedItem) (models.TransformedItem, error) {
	out := models.TransformedItem{
		Key:        item.ID,
		Sequence:   item.Sequence,
		Collection: m.target,
		Deleted:    item.Tombstone,
	}
	if out.Collection == "" {
		out.Collection = item.Collection
	}
	if item.ID == "" {
		return out, nebulaerrors.New(nebulaerrors.ErrorTypeData, "item has no document id").
			WithDetail("sequence", item.Sequence)
	}
	if item.Tombstone {
		return out, nil
	}

	for _, field := range m.require {
		if v, ok := item.Document[field]; !ok || v == nil {
			return out, nebulaerrors.New(nebulaerrors.ErrorTypeData, fmt.Sprintf("required field %q is missing", field)).
				WithDetail("id", item.ID).
				WithDetail("sequence", item.Sequence)
		}
	}

	out.Fields = make(map[string]interface{}, len(item.Document))
	for k, v := range item.Document {
		if len(m.include) > 0 && !m.include[k] {
			continue
		}
		if m.exclude[k] {
			continue
		}
		if to, ok := m.rename[k]; ok {
			k = to
		}
		out.Fields[k] = v
	}
	return out, nil
}
