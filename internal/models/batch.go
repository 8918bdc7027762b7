package models

import "time"

// Position is a monotonically increasing offset in a stream partition
type Position uint64

// Batch is a sealed, immutable window of canonical records and the stream range it covers.
// A batch may cover positions while holding no records when every event in the window was dropped.
type Batch struct {
	ID            uint64
	Worker        string
	Records       []CanonicalRecord
	FirstPosition Position
	LastPosition  Position
	OpenedAt      time.Time
	SealedAt      time.Time
}

// Empty reports whether the batch covers no stream positions at all
func (b *Batch) Empty() bool {
	return b.LastPosition == 0
}

// Checkpoint is the durable progress marker of one worker
type Checkpoint struct {
	Worker                string    `json:"worker"`
	LastCommittedPosition Position  `json:"lastCommittedPosition"`
	LastBatchID           uint64    `json:"lastBatchId"`
	UpdatedAt             time.Time `json:"updatedAt"`
}
