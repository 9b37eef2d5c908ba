package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andino-labs/callbridge/pkg/core"
)

// FSRepository stores one JSON file per conversation under a base directory.
// Good enough for single-node deployments and local development; use
// PGRepository when more than one instance shares history.
type FSRepository struct {
	dir string
	mu  sync.Mutex
}

// NewFSRepository creates the base directory if needed.
func NewFSRepository(dir string) (*FSRepository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, core.NewValidationError("missing storage directory", "dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create %s: %w", dir, err)
	}
	return &FSRepository{dir: dir}, nil
}

func (r *FSRepository) path(conversationID string) (string, error) {
	// Ids are minted internally but this path also serves HTTP lookups.
	if conversationID == "" || strings.ContainsAny(conversationID, "/\\.") {
		return "", core.NewValidationError("invalid conversation id", "conversation_id")
	}
	return filepath.Join(r.dir, conversationID+".json"), nil
}

func (r *FSRepository) Save(ctx context.Context, c *Conversation) error {
	path, err := r.path(c.ConversationID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("transcript: encode %s: %w", c.ConversationID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Write-and-rename so a reader never sees a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("transcript: write %s: %w", c.ConversationID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("transcript: rename %s: %w", c.ConversationID, err)
	}
	return nil
}

func (r *FSRepository) FindByID(ctx context.Context, conversationID string) (*Conversation, error) {
	path, err := r.path(conversationID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewNotFoundError("conversation not found")
		}
		return nil, fmt.Errorf("transcript: read %s: %w", conversationID, err)
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("transcript: decode %s: %w", conversationID, err)
	}
	return &c, nil
}

func (r *FSRepository) FindRecent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *FSRepository) FindByPhone(ctx context.Context, phone string) ([]Summary, error) {
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(all))
	for _, s := range all {
		if s.CallerPhone == phone {
			out = append(out, s)
		}
	}
	return out, nil
}

// loadAll returns every stored summary, newest first. Unreadable files are
// skipped, not fatal: one corrupt record must not take down the listing.
func (r *FSRepository) loadAll() ([]Summary, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("transcript: list %s: %w", r.dir, err)
	}

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		out = append(out, c.Summarize())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}
