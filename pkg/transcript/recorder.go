package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Recorder accumulates transcript entries for one conversation in arrival
// order and flushes the record through a Repository. Safe for concurrent use:
// the caller and agent legs of a bridge append from different goroutines.
type Recorder struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time

	mu        sync.Mutex
	conv      Conversation
	finalized bool
}

// NewRecorder starts a transcript for the given conversation header. Entries
// and EndTime on the header are ignored; the recorder owns them.
func NewRecorder(header Conversation, repo Repository, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	header.Entries = nil
	header.EndTime = time.Time{}
	if header.Status == "" {
		header.Status = "active"
	}
	return &Recorder{
		repo: repo,
		log:  log,
		now:  time.Now,
		conv: header,
	}
}

// AddEntry appends an utterance. Blank text is dropped, the upstream emits
// empty partials during silence. Appends after Finalize are dropped with a
// log line rather than an error: a late transcript event is expected during
// teardown and must not fail the closing leg.
func (r *Recorder) AddEntry(speaker Speaker, text string, audioSeconds float64) {
	if strings.TrimSpace(text) == "" {
		return
	}

	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		r.log.Debug("dropping transcript entry after finalize",
			"conversation_id", r.conv.ConversationID,
			"speaker", speaker)
		return
	}
	r.conv.Entries = append(r.conv.Entries, Entry{
		Seq:          len(r.conv.Entries) + 1,
		Timestamp:    r.now().UTC(),
		Speaker:      speaker,
		Text:         text,
		AudioSeconds: audioSeconds,
	})
	r.mu.Unlock()
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conv.Entries)
}

// Snapshot returns a copy of the conversation as recorded so far.
func (r *Recorder) Snapshot() Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() Conversation {
	c := r.conv
	c.Entries = make([]Entry, len(r.conv.Entries))
	copy(c.Entries, r.conv.Entries)
	return c
}

// Flush persists the transcript as recorded so far without closing it. Used
// periodically during long calls so a crash loses at most one interval.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	r.mu.Lock()
	c := r.snapshotLocked()
	r.mu.Unlock()
	return r.repo.Save(ctx, &c)
}

// Finalize stamps the end time, sets the terminal status and persists the
// record. Only the first call has any effect.
func (r *Recorder) Finalize(ctx context.Context, status string) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	r.conv.EndTime = r.now().UTC()
	if status != "" {
		r.conv.Status = status
	} else {
		r.conv.Status = "completed"
	}
	c := r.snapshotLocked()
	r.mu.Unlock()

	if r.repo == nil {
		return nil
	}
	if err := r.repo.Save(ctx, &c); err != nil {
		r.log.Error("transcript persist failed",
			"conversation_id", c.ConversationID,
			"entries", len(c.Entries),
			"error", err)
		return err
	}
	r.log.Info("transcript persisted",
		"conversation_id", c.ConversationID,
		"entries", len(c.Entries),
		"status", c.Status)
	return nil
}
