package transcript

import "context"

// Repository persists conversation transcripts. Save is an upsert keyed by
// conversation id; a recorder calls it repeatedly as the call progresses.
type Repository interface {
	Save(ctx context.Context, c *Conversation) error
	// FindByID returns the stored conversation, or a not-found error.
	FindByID(ctx context.Context, conversationID string) (*Conversation, error)
	// FindRecent returns up to limit summaries, newest first.
	FindRecent(ctx context.Context, limit int) ([]Summary, error)
	// FindByPhone returns all summaries for a caller, newest first.
	FindByPhone(ctx context.Context, phone string) ([]Summary, error)
}
