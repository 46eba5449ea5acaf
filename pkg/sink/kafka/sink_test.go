package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-etl/pkg/sink"
	"github.com/ajitpratap0/nebula-etl/pkg/testutil"
)

func TestSinkPublishesJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env sink.Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Key != "o1" || env.Sequence != 1 {
			return errors.New("unexpected envelope")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	s, err := New(producer, Config{Topic: "etl.orders"}, testutil.TestLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Load(context.Background(), []models.TransformedItem{
		{Key: "o1", Sequence: 1, Collection: "orders", Fields: map[string]interface{}{"total": 1}},
		{Key: "o2", Sequence: 2, Collection: "orders", Deleted: true},
	}))
	require.NoError(t, s.Close(context.Background()))
}

func TestTombstoneHasNullValue(t *testing.T) {
	s, err := New(nil, Config{}, testutil.TestLogger(t))
	require.NoError(t, err)

	msg, err := s.message(models.TransformedItem{Key: "o2", Sequence: 9, Collection: "orders", Deleted: true})
	require.NoError(t, err)
	assert.Equal(t, "orders", msg.Topic)
	assert.Nil(t, msg.Value)
	assert.Equal(t, sarama.StringEncoder("o2"), msg.Key)
	assert.Equal(t, []byte("delete"), msg.Headers[0].Value)
	assert.Equal(t, []byte("9"), msg.Headers[1].Value)
}

func TestSinkReportsProducerFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	s, err := New(producer, Config{Topic: "etl.orders"}, testutil.TestLogger(t))
	require.NoError(t, err)

	err = s.Load(context.Background(), []models.TransformedItem{
		{Key: "o1", Sequence: 1, Collection: "orders"},
	})
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeLoad))
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, producer.Close())
}

func TestAvroEncoder(t *testing.T) {
	enc, err := NewEncoder("avro")
	require.NoError(t, err)

	data, err := enc.Encode(models.TransformedItem{
		Key: "o1", Sequence: 42, Collection: "orders", Fields: map[string]interface{}{"total": 7},
	})
	require.NoError(t, err)

	codec, err := goavro.NewCodec(AvroSchema)
	require.NoError(t, err)
	native, _, err := codec.NativeFromBinary(data)
	require.NoError(t, err)

	record := native.(map[string]interface{})
	assert.Equal(t, "o1", record["key"])
	assert.Equal(t, int64(42), record["sequence"])
	assert.Equal(t, false, record["deleted"])
	assert.JSONEq(t, `{"total":7}`, record["fields"].(map[string]interface{})["string"].(string))
}

func TestNewEncoderRejectsUnknown(t *testing.T) {
	_, err := NewEncoder("protobuf")
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
}
