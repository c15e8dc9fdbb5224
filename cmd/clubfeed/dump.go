package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/allgram/clubfeed/internal/config"
)

// runDump loads one club without live updates and prints its posts
func runDump(cctx *cli.Context) error {
	cfg, log, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	name := cctx.String("club")
	// the initial load is driven explicitly below
	cfg.Feed.InitialPosts = 0

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	st, err := buildStack(ctx, cfg, log, nil, func(c config.Club) bool { return c.Name == name })
	if err != nil {
		return fmt.Errorf("club %s: %w", name, err)
	}
	defer st.Close()

	f := st.clubs[0].Feed
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	if n := cctx.Int("posts"); n > 0 {
		res := f.Paginate(ctx, n)
		if res.Err != nil {
			return fmt.Errorf("failed to load posts: %w", res.Err)
		}
		log.Info("posts loaded", "club", name, "outcome", res.Outcome.String(), "gained", res.Gained)
	}

	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"club": name, "posts": f.Posts()}); err != nil {
		return err
	}

	cancel()
	<-errCh
	return nil
}
