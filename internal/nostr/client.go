package nostr

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/allgram/clubfeed/internal/config"
	"github.com/allgram/clubfeed/internal/ops"
)

// Client provides a high-level interface for interacting with Nostr relays
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Nostr
	log         *ops.Logger
}

// New creates a new Nostr client with the given configuration
func New(ctx context.Context, relayConfig *config.Nostr, log *ops.Logger) *Client {
	if log == nil {
		log = ops.Nop()
	}
	c := &Client{
		pool:        nostr.NewSimplePool(ctx),
		relayConfig: relayConfig,
		log:         log.WithComponent("nostr"),
	}
	if relayConfig == nil {
		return c
	}
	for _, relay := range relayConfig.Relays {
		if !ValidateRelayURL(relay) {
			c.log.Warn("ignoring invalid relay url", "relay", relay)
		}
	}
	return c
}

// ValidateRelayURL performs basic validation on a relay URL
func ValidateRelayURL(url string) bool {
	return nostr.IsValidRelayURL(url)
}

// Pool returns the underlying SimplePool for advanced operations
func (c *Client) Pool() *nostr.SimplePool {
	return c.pool
}

// FetchEvents fetches events from the configured relays matching the filter
// and waits for EOSE or the connect timeout
func (c *Client) FetchEvents(ctx context.Context, filter nostr.Filter) []*nostr.Event {
	relays := c.Relays()
	if len(relays) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	seen := make(map[string]bool)
	events := make([]*nostr.Event, 0)
	for relayEvent := range c.pool.SubManyEose(ctx, relays, nostr.Filters{filter}) {
		if relayEvent.Event != nil && !seen[relayEvent.Event.ID] {
			seen[relayEvent.Event.ID] = true
			events = append(events, relayEvent.Event)
		}
	}
	return events
}

// PublishEvent publishes an event to the configured relays. It succeeds when
// at least one relay accepted the event.
func (c *Client) PublishEvent(ctx context.Context, event *nostr.Event) error {
	relays := c.Relays()
	if len(relays) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	var lastErr error
	successCount := 0
	for result := range c.pool.PublishMany(ctx, relays, *event) {
		if result.Error != nil {
			lastErr = result.Error
			c.log.Debug("relay rejected event", "relay", result.RelayURL, "event", event.ID, "error", result.Error)
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}
	return nil
}

// SubscribeEvents subscribes to events matching the filters on the configured
// relays. The returned channel is closed when ctx is cancelled.
func (c *Client) SubscribeEvents(ctx context.Context, filters nostr.Filters) <-chan *nostr.Event {
	eventChan := make(chan *nostr.Event, 100)
	relays := c.Relays()

	go func() {
		defer close(eventChan)
		if len(relays) == 0 {
			<-ctx.Done()
			return
		}

		c.log.Info("subscribing", "relays", len(relays), "filters", len(filters))
		eventCount := 0
		for relayEvent := range c.pool.SubMany(ctx, relays, filters) {
			if relayEvent.Event == nil {
				continue
			}
			eventCount++
			select {
			case eventChan <- relayEvent.Event:
			case <-ctx.Done():
				return
			}
		}
		c.log.Debug("subscription closed", "events", eventCount)
	}()

	return eventChan
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("client shutting down")
}

// Relays returns the configured relays with a valid url
func (c *Client) Relays() []string {
	relays := []string{}
	if c.relayConfig == nil {
		return relays
	}
	for _, relay := range c.relayConfig.Relays {
		if ValidateRelayURL(relay) {
			relays = append(relays, relay)
		}
	}
	return relays
}

// Timeout returns the configured timeout duration
func (c *Client) Timeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.relayConfig.Policy.ConnectTimeoutMs) * time.Millisecond
}
