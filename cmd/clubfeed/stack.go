package main

import (
	"context"
	"fmt"
	"time"

	"github.com/allgram/clubfeed/internal/config"
	"github.com/allgram/clubfeed/internal/feed"
	"github.com/allgram/clubfeed/internal/httpapi"
	"github.com/allgram/clubfeed/internal/matrix"
	"github.com/allgram/clubfeed/internal/nostr"
	"github.com/allgram/clubfeed/internal/ops"
	"github.com/allgram/clubfeed/internal/retention"
	"github.com/allgram/clubfeed/internal/storage"
)

// stack holds the feeds of the selected clubs and the background loops that
// keep their backends current
type stack struct {
	clubs   []httpapi.Club
	workers []func(context.Context) error
	closers []func()
}

func (s *stack) feeds() []*feed.Feed {
	out := make([]*feed.Feed, len(s.clubs))
	for i, c := range s.clubs {
		out[i] = c.Feed
	}
	return out
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack wires a backend per enabled protocol and a feed per club. A
// non-nil keep limits the clubs that get a feed.
func buildStack(ctx context.Context, cfg *config.Config, log *ops.Logger, metrics *ops.Metrics, keep func(config.Club) bool) (*stack, error) {
	s := &stack{}
	selected := func(protocol string) []config.Club {
		var clubs []config.Club
		for _, club := range cfg.ClubsFor(protocol) {
			if keep == nil || keep(club) {
				clubs = append(clubs, club)
			}
		}
		return clubs
	}
	feedOptions := func(userID string) feed.Options {
		return feed.Options{
			UserID:         userID,
			HeaderSentinel: cfg.Feed.HeaderSentinel,
			PageSize:       cfg.Feed.PageSize,
			InitialPosts:   cfg.Feed.InitialPosts,
			AutoFillPosts:  cfg.Feed.AutoFillPosts,
			Logger:         log,
			Metrics:        metrics,
		}
	}

	if clubs := selected(config.ProtocolMatrix); cfg.Matrix.Enabled && len(clubs) > 0 {
		client, err := matrix.NewClient(&cfg.Matrix, cfg.Identity.MatrixUserID, &cfg.Logging)
		if err != nil {
			return nil, err
		}
		backend := matrix.NewBackend(client, matrix.Options{
			UserID:      cfg.Identity.MatrixUserID,
			SyncTimeout: time.Duration(cfg.Matrix.SyncTimeout) * time.Millisecond,
			Logger:      log,
		})
		for _, club := range clubs {
			backend.Track(club.Room)
			s.add(club, feed.New(club.Room, backend, feedOptions(cfg.Identity.MatrixUserID)))
		}
		s.workers = append(s.workers, backend.Sync)
	}

	if clubs := selected(config.ProtocolNostr); cfg.Nostr.Enabled && len(clubs) > 0 {
		st, err := storage.New(ctx, &cfg.Storage)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		s.closers = append(s.closers, func() { _ = st.Close() })

		client := nostr.New(ctx, &cfg.Nostr, log)
		s.closers = append(s.closers, client.Close)

		backend, err := nostr.NewBackend(nostr.Options{
			Client:    client,
			Storage:   st,
			SecretKey: cfg.Identity.NostrNsec,
			DedupSize: cfg.Nostr.Policy.DedupCacheSize,
			Logger:    log,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		channels := make([]string, 0, len(clubs))
		for _, club := range clubs {
			if err := backend.Track(ctx, club.Room); err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to track club %s: %w", club.Name, err)
			}
			channels = append(channels, club.Room)
			s.add(club, feed.New(club.Room, backend, feedOptions(backend.PublicKey())))
		}
		s.workers = append(s.workers, backend.Listen)

		if cfg.Storage.Retention.Enabled {
			engine := retention.NewEngine(&cfg.Storage.Retention, st, log)
			s.workers = append(s.workers, func(ctx context.Context) error {
				return engine.Run(ctx, channels)
			})
		}
	}

	if len(s.clubs) == 0 {
		s.Close()
		return nil, fmt.Errorf("no club selected")
	}
	return s, nil
}

func (s *stack) add(club config.Club, f *feed.Feed) {
	s.clubs = append(s.clubs, httpapi.Club{Name: club.Name, Protocol: club.Protocol, Feed: f})
}
