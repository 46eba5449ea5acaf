package sink

import (
	"io"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
)

// Envelope is the serialized form of a transformed item shared by the
// file, object and message sinks
type Envelope struct {
	Key        string                 `json:"key"`
	Sequence   uint64                 `json:"sequence"`
	Collection string                 `json:"collection"`
	Deleted    bool                   `json:"deleted"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// NewEnvelope wraps item
func NewEnvelope(item models.TransformedItem) Envelope {
	return Envelope{
		Key:        item.Key,
		Sequence:   item.Sequence,
		Collection: item.Collection,
		Deleted:    item.Deleted,
		Fields:     item.Fields,
	}
}

// WriteNDJSON writes one JSON envelope per line
func WriteNDJSON(w io.Writer, items []models.TransformedItem) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(NewEnvelope(item)); err != nil {
			return err
		}
	}
	return nil
}

// GroupByCollection splits items by target collection, keeping the order
// of first appearance and the item order within each group
func GroupByCollection(items []models.TransformedItem) ([]string, map[string][]models.TransformedItem) {
	var order []string
	groups := make(map[string][]models.TransformedItem)
	for _, item := range items {
		if _, ok := groups[item.Collection]; !ok {
			order = append(order, item.Collection)
		}
		groups[item.Collection] = append(groups[item.Collection], item)
	}
	return order, groups
}
