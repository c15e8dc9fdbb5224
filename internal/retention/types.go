package retention

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/allgram/clubfeed/internal/storage"
)

// Rule names recorded on decisions
const (
	RuleWithinLimits = "within_limits"
	RuleOverCount    = "over_count"
	RuleTooOld       = "too_old"
)

// Decision is the retention verdict for one cached message
type Decision struct {
	EventID string
	Rule    string
	Keep    bool
}

// Result summarizes one prune of a channel
type Result struct {
	Channel string
	Kept    int
	Deleted int
	// Until is the cursor the channel was moved to; 0 when nothing was kept
	Until int64
}

// Store is the part of the event cache the engine prunes
type Store interface {
	ChannelMessages(ctx context.Context, channel string, since, until int64, limit int) ([]*nostr.Event, error)
	Related(ctx context.Context, eventIDs []string) ([]*nostr.Event, error)
	DeleteEvent(ctx context.Context, eventID string) error
	ResetCursor(ctx context.Context, channel string) error
	SaveCursor(ctx context.Context, c storage.Cursor) error
}
