package journal

import (
	"fmt"

	"github.com/google/uuid"

	"PoolLedger/internal/engine"
)

// FromMovements builds one balanced batch from an operation's settled
// movements. Zero-amount movements are dropped; a negative amount is a
// bug in the caller and is rejected rather than flipped.
func FromMovements(eventRef string, sequence, timestampUs int64, moves []engine.Movement) (*Batch, error) {
	b := &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestampUs,
	}
	for _, m := range moves {
		if m.Amount.IsZero() {
			continue
		}
		if m.Amount.IsNegative() {
			return nil, fmt.Errorf("movement %s %s from %s to %s has negative amount %s",
				m.Kind, m.Token, m.Credit, m.Debit, m.Amount)
		}
		b.Entries = append(b.Entries, Entry{
			EntryID:   uuid.New(),
			BatchID:   b.BatchID,
			EventRef:  eventRef,
			Sequence:  sequence,
			Kind:      m.Kind,
			Token:     m.Token,
			Amount:    m.Amount,
			Debit:     m.Debit,
			Credit:    m.Credit,
			Timestamp: timestampUs,
		})
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
