package processor

import (
	"errors"
	"time"

	"orders-etl/internal/decoder"
	"orders-etl/internal/models"
	"orders-etl/internal/reconcile"
	"orders-etl/internal/validate"
)

// Outcome classifies what happened to one stream entry
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeDecodeFailed    Outcome = "decode_failed"
	OutcomeUnsupported     Outcome = "unsupported"
	OutcomeFiltered        Outcome = "filtered"
	OutcomeTransformFailed Outcome = "transform_failed"
	OutcomeInvalid         Outcome = "invalid"
)

// Processed is the result of running one envelope through the pipeline.
// Failures may be non-empty for accepted records when a nested document failed to decode.
type Processed struct {
	Record   *models.CanonicalRecord
	Event    *models.ChangeEvent
	Outcome  Outcome
	Failures []*decoder.Failure
	Err      error
}

// Pipeline chains decode → transform → reconcile → validate. It holds no per-event state and
// can be shared by workers.
type Pipeline struct {
	decoder     *decoder.Decoder
	transformer *Transformer
	now         func() time.Time
}

// NewPipeline creates a pipeline; transformer may be nil
func NewPipeline(dec *decoder.Decoder, transformer *Transformer) *Pipeline {
	if dec == nil {
		dec = decoder.New(decoder.DefaultSampleSize)
	}
	return &Pipeline{decoder: dec, transformer: transformer, now: time.Now}
}

// Process runs one raw envelope through the pipeline. storedAt is the transport's time for the
// entry and stands in for an envelope without a timestamp, so a redelivered entry keeps its key.
func (p *Pipeline) Process(raw []byte, storedAt time.Time) Processed {
	res := p.decoder.Decode(raw)
	if !res.OK() {
		return Processed{Outcome: OutcomeDecodeFailed, Failures: res.Failures, Err: res.Failures[0]}
	}
	if res.Event.Timestamp.IsZero() {
		res.Event.Timestamp = storedAt.UTC()
	}
	out := Processed{Event: res.Event, Failures: res.Failures}

	if !res.Event.OperationType.Known() {
		out.Outcome = OutcomeUnsupported
		return out
	}

	event := res.Event
	if p.transformer != nil {
		transformed, err := p.transformer.Transform(event)
		if errors.Is(err, ErrEventRejected) {
			out.Outcome = OutcomeFiltered
			return out
		}
		if err != nil {
			out.Outcome = OutcomeTransformFailed
			out.Err = err
			return out
		}
		event = transformed
		out.Event = event
		if !event.OperationType.Known() {
			out.Outcome = OutcomeUnsupported
			return out
		}
	}

	rec, err := validate.Validate(reconcile.Reconcile(event, p.now().UTC()))
	if err != nil {
		out.Outcome = OutcomeInvalid
		out.Err = err
		return out
	}
	out.Record = rec
	out.Outcome = OutcomeAccepted
	return out
}
