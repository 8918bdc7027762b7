package decoder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders-etl/internal/models"
)

func TestDecodeInsertWithStringDocument(t *testing.T) {
	raw := []byte(`{
		"operationType": "insert",
		"documentKey": {"_id": "65a1"},
		"fullDocument": "{\"order_id\":\"O1\",\"customer_id\":\"C1\",\"product_id\":\"P1\",\"quantity\":2,\"price\":9.99,\"status\":\"new\",\"createdAt\":\"2024-01-02T03:04:05Z\"}",
		"fullDocumentBeforeChange": null,
		"timestamp": "2024-01-02T03:04:05.123Z"
	}`)

	res := New(0).Decode(raw)
	require.True(t, res.OK())
	assert.Empty(t, res.Failures)

	ev := res.Event
	assert.Equal(t, models.OperationInsert, ev.OperationType)
	assert.Equal(t, "65a1", ev.DocumentKey.ID)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 123_000_000, time.UTC), ev.Timestamp)
	assert.Nil(t, ev.FullDocumentBeforeChange)

	require.NotNil(t, ev.FullDocument)
	assert.Equal(t, "O1", ev.FullDocument.OrderID)
	require.NotNil(t, ev.FullDocument.Quantity)
	assert.Equal(t, int64(2), *ev.FullDocument.Quantity)
	assert.True(t, ev.FullDocument.Price.Valid)
	assert.Equal(t, "9.99", ev.FullDocument.Price.Decimal.String())
	require.NotNil(t, ev.FullDocument.CreatedAt)
	assert.Nil(t, ev.FullDocument.UpdatedAt)
}

func TestDecodeObjectDocumentAndEpochTimestamp(t *testing.T) {
	raw := []byte(`{"operationType":"delete","documentKey":{"_id":{"$oid":"abc"}},
		"fullDocumentBeforeChange":{"order_id":"O2","price":null},"timestamp":1704164645000}`)

	res := New(0).Decode(raw)
	require.True(t, res.OK())
	assert.Empty(t, res.Failures)
	assert.Equal(t, "abc", res.Event.DocumentKey.ID)
	assert.Equal(t, time.UnixMilli(1704164645000).UTC(), res.Event.Timestamp)
	assert.Nil(t, res.Event.FullDocument)
	require.NotNil(t, res.Event.FullDocumentBeforeChange)
	assert.Equal(t, "O2", res.Event.FullDocumentBeforeChange.OrderID)
	assert.False(t, res.Event.FullDocumentBeforeChange.Price.Valid)
}

func TestDecodeMalformedNestedDocument(t *testing.T) {
	raw := []byte(`{"operationType":"update","documentKey":{"_id":"1"},"fullDocument":"{not valid json","timestamp":"2024-01-02T03:04:05Z"}`)

	res := New(0).Decode(raw)
	require.True(t, res.OK(), "a bad nested document must not fail the envelope")
	assert.Nil(t, res.Event.FullDocument)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, KindDocument, res.Failures[0].Kind)
	assert.Equal(t, "fullDocument", res.Failures[0].Field)
	assert.Contains(t, res.Failures[0].Sample, "{not valid json")
}

func TestDecodeWrongTypedDocumentField(t *testing.T) {
	raw := []byte(`{"operationType":"insert","documentKey":{"_id":"1"},"fullDocument":{"order_id":"O1","quantity":"two"},"timestamp":"2024-01-02T03:04:05Z"}`)

	res := New(0).Decode(raw)
	require.True(t, res.OK())
	assert.Nil(t, res.Event.FullDocument)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, KindDocument, res.Failures[0].Kind)
}

func TestDecodeEnvelopeFailures(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{name: "not json", raw: `{"operationType":`},
		{name: "missing operation", raw: `{"documentKey":{"_id":"1"},"timestamp":1}`, field: "operationType"},
		{name: "bad timestamp", raw: `{"operationType":"insert","timestamp":"yesterday"}`, field: "timestamp"},
		{name: "bad document key", raw: `{"operationType":"insert","timestamp":1,"documentKey":[1]}`, field: "documentKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(0).Decode([]byte(tt.raw))
			assert.False(t, res.OK())
			require.Len(t, res.Failures, 1)
			assert.Equal(t, KindEnvelope, res.Failures[0].Kind)
			assert.Equal(t, tt.field, res.Failures[0].Field)
			assert.Error(t, res.Failures[0])
		})
	}
}

func TestDecodeAbsentTimestampIsZero(t *testing.T) {
	for _, raw := range []string{
		`{"operationType":"insert","fullDocument":"{\"order_id\":\"O1\"}"}`,
		`{"operationType":"insert","fullDocument":"{\"order_id\":\"O1\"}","timestamp":null}`,
	} {
		res := New(0).Decode([]byte(raw))
		require.True(t, res.OK(), raw)
		assert.Empty(t, res.Failures)
		assert.True(t, res.Event.Timestamp.IsZero())
		assert.Equal(t, "O1", res.Event.FullDocument.OrderID)
	}
}

func TestDecodeStructuralOperationIsNotAFailure(t *testing.T) {
	res := New(0).Decode([]byte(`{"operationType":"drop","timestamp":1}`))
	require.True(t, res.OK())
	assert.Empty(t, res.Failures)
	assert.False(t, res.Event.OperationType.Known())
}

func TestSample(t *testing.T) {
	assert.Equal(t, "short", Sample([]byte("short"), 10))

	long := []byte(strings.Repeat("x", 300))
	got := Sample(long, DefaultSampleSize)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", DefaultSampleSize)))
	assert.True(t, strings.HasSuffix(got, "...(300 bytes)"))
	assert.Len(t, got, DefaultSampleSize+len("...(300 bytes)"))
}

func TestFailureSampleIsBounded(t *testing.T) {
	raw := []byte(`{"operationType":"insert","secret":"` + strings.Repeat("s", 1000))
	res := New(32).Decode(raw)
	require.Len(t, res.Failures, 1)
	assert.True(t, strings.HasSuffix(res.Failures[0].Sample, "bytes)"))
	assert.Less(t, len(res.Failures[0].Sample), 64)
}
