package kafka

import (
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
)

// Encoder serializes the value of a message
type Encoder interface {
	Encode(item models.TransformedItem) ([]byte, error)
	ContentType() string
}

// NewEncoder returns the encoder named by encoding: json (default) or avro
func NewEncoder(encoding string) (Encoder, error) {
	switch encoding {
	case "", "json":
		return jsonEncoder{}, nil
	case "avro":
		return newAvroEncoder()
	default:
		return nil, errUnsupportedEncoding(encoding)
	}
}

type jsonEncoder struct{}

func (jsonEncoder) Encode(item models.TransformedItem) ([]byte, error) {
	return json.Marshal(sink.NewEnvelope(item))
}

func (jsonEncoder) ContentType() string { return "application/json" }

// AvroSchema is the record schema of avro-encoded messages. Fields travel
// as a JSON string since their shape differs per collection.
const AvroSchema = `{
	"type": "record",
	"name": "TransformedItem",
	"namespace": "io.nebula.etl",
	"fields": [
		{"name": "key", "type": "string"},
		{"name": "sequence", "type": "long"},
		{"name": "collection", "type": "string"},
		{"name": "deleted", "type": "boolean"},
		{"name": "fields", "type": ["null", "string"], "default": null}
	]
}`

type avroEncoder struct {
	codec *goavro.Codec
}

func newAvroEncoder() (*avroEncoder, error) {
	codec, err := goavro.NewCodec(AvroSchema)
	if err != nil {
		return nil, err
	}
	return &avroEncoder{codec: codec}, nil
}

func (e *avroEncoder) Encode(item models.TransformedItem) ([]byte, error) {
	var fields interface{}
	if item.Fields != nil {
		data, err := json.Marshal(item.Fields)
		if err != nil {
			return nil, err
		}
		fields = goavro.Union("string", string(data))
	}

	return e.codec.BinaryFromNative(nil, map[string]interface{}{
		"key":        item.Key,
		"sequence":   int64(item.Sequence),
		"collection": item.Collection,
		"deleted":    item.Deleted,
		"fields":     fields,
	})
}

func (e *avroEncoder) ContentType() string { return "avro/binary" }
