// Package decoder turns raw stream envelopes into typed change events.
//
// Decoding never panics or aborts a batch. A malformed envelope yields a Result with no event and
// one envelope Failure. A malformed nested document yields an event with that document set to nil
// and one document Failure, so reconciliation sees "document unavailable". An absent or null
// timestamp decodes to the zero time; the caller substitutes the entry's stored time.
package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"orders-etl/internal/models"
)

// DefaultSampleSize bounds the payload excerpt attached to failures
const DefaultSampleSize = 256

// FailureKind says which layer of the envelope failed to decode
type FailureKind string

const (
	KindEnvelope FailureKind = "envelope"
	KindDocument FailureKind = "document"
)

// Failure describes one decode failure. Sample holds a bounded excerpt of the offending payload.
type Failure struct {
	Kind   FailureKind
	Field  string
	Sample string
	Err    error
}

func (f *Failure) Error() string {
	if f.Field != "" {
		return fmt.Sprintf("decode %s %s: %v", f.Kind, f.Field, f.Err)
	}
	return fmt.Sprintf("decode %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the tagged outcome of decoding one envelope
type Result struct {
	Event    *models.ChangeEvent
	Failures []*Failure
}

// OK reports whether the envelope itself decoded
func (r Result) OK() bool {
	return r.Event != nil
}

// Decoder decodes envelopes. The zero value is not usable; use New.
type Decoder struct {
	sampleSize int
}

// New creates a decoder whose failure samples are truncated to sampleSize bytes
func New(sampleSize int) *Decoder {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Decoder{sampleSize: sampleSize}
}

type envelope struct {
	OperationType            string          `json:"operationType"`
	DocumentKey              json.RawMessage `json:"documentKey"`
	FullDocument             json.RawMessage `json:"fullDocument"`
	FullDocumentBeforeChange json.RawMessage `json:"fullDocumentBeforeChange"`
	Timestamp                json.RawMessage `json:"timestamp"`
}

// Decode parses one raw envelope
func (d *Decoder) Decode(raw []byte) Result {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{Failures: []*Failure{d.fail(KindEnvelope, "", raw, err)}}
	}
	if env.OperationType == "" {
		return Result{Failures: []*Failure{d.fail(KindEnvelope, "operationType", raw, fmt.Errorf("missing operation type"))}}
	}

	ts, err := decodeTimestamp(env.Timestamp)
	if err != nil {
		return Result{Failures: []*Failure{d.fail(KindEnvelope, "timestamp", raw, err)}}
	}

	key, err := decodeDocumentKey(env.DocumentKey)
	if err != nil {
		return Result{Failures: []*Failure{d.fail(KindEnvelope, "documentKey", raw, err)}}
	}

	event := &models.ChangeEvent{
		OperationType: models.OperationType(env.OperationType),
		DocumentKey:   key,
		Timestamp:     ts,
	}

	var failures []*Failure
	if doc, err := decodeDocument(env.FullDocument); err != nil {
		failures = append(failures, d.fail(KindDocument, "fullDocument", env.FullDocument, err))
	} else {
		event.FullDocument = doc
	}
	if doc, err := decodeDocument(env.FullDocumentBeforeChange); err != nil {
		failures = append(failures, d.fail(KindDocument, "fullDocumentBeforeChange", env.FullDocumentBeforeChange, err))
	} else {
		event.FullDocumentBeforeChange = doc
	}

	return Result{Event: event, Failures: failures}
}

func (d *Decoder) fail(kind FailureKind, field string, payload []byte, err error) *Failure {
	return &Failure{Kind: kind, Field: field, Sample: Sample(payload, d.sampleSize), Err: err}
}

// Sample returns at most limit bytes of payload, marking truncation with the full length
func Sample(payload []byte, limit int) string {
	if len(payload) <= limit {
		return string(payload)
	}
	return fmt.Sprintf("%s...(%d bytes)", payload[:limit], len(payload))
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeDocument accepts the nested document either as an encoded JSON string or as an object.
// Absent and null documents decode to nil without error.
func decodeDocument(raw json.RawMessage) (*models.OrderDocument, error) {
	if isNull(raw) {
		return nil, nil
	}

	body := bytes.TrimSpace(raw)
	if body[0] == '"' {
		var encoded string
		if err := json.Unmarshal(body, &encoded); err != nil {
			return nil, err
		}
		body = bytes.TrimSpace([]byte(encoded))
		if len(body) == 0 || bytes.Equal(body, []byte("null")) {
			return nil, nil
		}
	}
	if body[0] != '{' {
		return nil, fmt.Errorf("document is not an object")
	}

	var doc models.OrderDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func decodeDocumentKey(raw json.RawMessage) (models.DocumentKey, error) {
	if isNull(raw) {
		return models.DocumentKey{}, nil
	}

	var key struct {
		ID json.RawMessage `json:"_id"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return models.DocumentKey{}, err
	}
	return models.DocumentKey{ID: opaqueID(key.ID)}, nil
}

// opaqueID flattens string ids, extended-JSON {"$oid": ...} ids and anything else to a string
func opaqueID(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var oid struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(raw, &oid); err == nil && oid.OID != "" {
		return oid.OID
	}
	return string(bytes.TrimSpace(raw))
}

// decodeTimestamp accepts RFC 3339 strings or epoch milliseconds. Absent or null is the zero time.
func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp must be a string or epoch milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}
