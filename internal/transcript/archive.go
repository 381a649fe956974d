// Package transcript archives the full conversation of each triaged item so
// a reviewer can see how a ticket came about.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/h1v3-io/triage/internal/pipeline"
	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

var bucketTranscripts = []byte("transcripts")

// ErrNotFound is returned when no transcript exists for a key.
var ErrNotFound = errors.New("transcript not found")

// Transcript is one item's archived deliberation.
type Transcript struct {
	RunID          string                `json:"run_id"`
	ItemID         string                `json:"item_id"`
	SourceType     protocol.SourceType   `json:"source_type"`
	State          string                `json:"state"`
	TurnsTaken     int                   `json:"turns_taken"`
	Fallback       bool                  `json:"fallback"`
	FallbackReason string                `json:"fallback_reason,omitempty"`
	Error          string                `json:"error,omitempty"`
	ErrorKind      provider.FailureKind  `json:"error_kind,omitempty"`
	Entries        []protocol.Entry      `json:"entries"`
	Record         protocol.TicketRecord `json:"record"`
	DurationMS     int64                 `json:"duration_ms"`
	CreatedAt      time.Time             `json:"created_at"`
}

// FromOutcome builds the transcript of one pipeline outcome.
func FromOutcome(runID string, out pipeline.Outcome) Transcript {
	t := Transcript{
		RunID:          runID,
		ItemID:         out.Item.ID,
		SourceType:     out.Item.SourceType,
		State:          out.Deliberation.State.String(),
		TurnsTaken:     out.Deliberation.TurnsTaken,
		Fallback:       out.Fallback,
		FallbackReason: out.FallbackReason,
		Entries:        out.Deliberation.Conversation.Entries(),
		Record:         out.Record,
		DurationMS:     out.Duration.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if out.Deliberation.Err != nil {
		t.Error = out.Deliberation.Err.Error()
		t.ErrorKind = provider.KindOf(out.Deliberation.Err)
	}
	if t.Entries == nil {
		t.Entries = []protocol.Entry{}
	}
	return t
}

// Archive stores transcripts in a bbolt file keyed by run and item.
type Archive struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive at path.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("transcript: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("transcript: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTranscripts)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transcript: init: %w", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

// Close closes the underlying file.
func (a *Archive) Close() error {
	return a.db.Close()
}

func key(runID, itemID string) []byte {
	return []byte(runID + "/" + itemID)
}

// Put stores t, replacing any transcript with the same run and item.
func (a *Archive) Put(t Transcript) error {
	enc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("transcript: encode: %w", err)
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTranscripts).Put(key(t.RunID, t.ItemID), enc)
	})
	if err != nil {
		return fmt.Errorf("transcript: put: %w", err)
	}
	return nil
}

// Get returns the transcript for one item of one run.
func (a *Archive) Get(runID, itemID string) (*Transcript, error) {
	var t *Transcript
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTranscripts).Get(key(runID, itemID))
		if v == nil {
			return nil
		}
		t = &Transcript{}
		return json.Unmarshal(v, t)
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: get: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("transcript %s/%s: %w", runID, itemID, ErrNotFound)
	}
	return t, nil
}

// List returns every transcript of a run, ordered by item ID.
func (a *Archive) List(runID string) ([]Transcript, error) {
	prefix := []byte(runID + "/")
	out := []Transcript{}
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTranscripts).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t Transcript
			if err := json.Unmarshal(v, &t); err != nil {
				// Skip malformed
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: list: %w", err)
	}
	return out, nil
}

// Recorder returns an observer that archives every outcome of runID.
// Archive failures are logged and never affect the batch.
func (a *Archive) Recorder(runID string) pipeline.Observer {
	return pipeline.ObserverFunc(func(_ context.Context, out pipeline.Outcome) {
		if err := a.Put(FromOutcome(runID, out)); err != nil {
			a.logger.Warn("failed to archive transcript", "item", out.Item.ID, "run_id", runID, "error", err)
		}
	})
}
