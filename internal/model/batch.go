package model

import (
	"time"

	"github.com/google/uuid"
)

// Batch is a set of line protocol records bound for one bucket. It is the
// unit that gets buffered when InfluxDB is unreachable.
type Batch struct {
	ID        string
	Bucket    string
	Timestamp time.Time
	Lines     []string
}

func NewBatch(bucket string, lines []string) *Batch {
	return &Batch{
		ID:        uuid.New().String(),
		Bucket:    bucket,
		Timestamp: time.Now().UTC(),
		Lines:     lines,
	}
}
