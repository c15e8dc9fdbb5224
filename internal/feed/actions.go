package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/allgram/clubfeed/internal/timeline"
)

// Find returns the post containing eventID among its events or comments
func (f *Feed) Find(eventID string) (Post, bool) {
	for _, post := range f.Posts() {
		if post.Contains(eventID) {
			return post, true
		}
		if _, ok := post.Comment(eventID); ok {
			return post, true
		}
	}
	return Post{}, false
}

// HandleReaction toggles the current user's emoji on a post or comment.
// A post is addressed by any of its event ids.
func (f *Feed) HandleReaction(ctx context.Context, emoji, targetID string) (ReactionResult, error) {
	post, ok := f.Find(targetID)
	if !ok {
		f.log.LogReaction(f.room, targetID, emoji, ReactionImpossible.String(), ErrUnknownTarget)
		f.metrics.ObserveReaction(f.room, ReactionImpossible.String())
		return ReactionImpossible, ErrUnknownTarget
	}
	if comment, ok := post.Comment(targetID); ok {
		return f.ReactToComment(ctx, comment, emoji)
	}
	return f.ReactToPost(ctx, post, emoji)
}

// ReactToPost toggles emoji over every event of post. New reactions go to
// the post's reply target.
func (f *Feed) ReactToPost(ctx context.Context, post Post, emoji string) (ReactionResult, error) {
	return f.toggle(ctx, emoji, post.EventIDs(), post.ReplyTarget())
}

// ReactToComment toggles emoji on a single comment
func (f *Feed) ReactToComment(ctx context.Context, comment Comment, emoji string) (ReactionResult, error) {
	return f.toggle(ctx, emoji, []string{comment.ID}, comment.ID)
}

func (f *Feed) toggle(ctx context.Context, emoji string, lookIn []string, sendTo string) (ReactionResult, error) {
	res, err := f.reactions.Toggle(ctx, f.opts.UserID, emoji, lookIn, sendTo)
	f.log.LogReaction(f.room, sendTo, emoji, res.String(), err)
	f.metrics.ObserveReaction(f.room, res.String())
	return res, err
}

// Redact deletes a single event
func (f *Feed) Redact(ctx context.Context, eventID, reason string) error {
	if eventID == "" {
		return ErrUnknownTarget
	}
	if err := f.backend.Redact(ctx, f.room, eventID, reason); err != nil {
		return fmt.Errorf("redact %s: %w", eventID, err)
	}
	return nil
}

// DeletePost redacts every event of the post with the given id
func (f *Feed) DeletePost(ctx context.Context, postID, reason string) error {
	var post Post
	found := false
	for _, p := range f.Posts() {
		if p.ID == postID {
			post, found = p, true
			break
		}
	}
	if !found {
		return ErrUnknownTarget
	}

	var errs []error
	for _, id := range post.EventIDs() {
		if err := f.Redact(ctx, id, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishPost sends a new post. Without a caption the media is sent alone;
// with one, a header is sent first and the caption and media reply to it.
// It returns the id the resulting post will carry.
func (f *Feed) PublishPost(ctx context.Context, caption string, media timeline.Content) (string, error) {
	if err := validatePostMedia(media); err != nil {
		return "", err
	}

	if caption == "" {
		id, err := f.backend.SendMedia(ctx, f.room, media, "")
		if err != nil {
			return "", fmt.Errorf("send media: %w", err)
		}
		return id, nil
	}

	header, err := f.backend.SendText(ctx, f.room, f.opts.HeaderSentinel+"\n2", "")
	if err != nil {
		return "", fmt.Errorf("send header: %w", err)
	}
	if _, err := f.backend.SendText(ctx, f.room, caption, header); err != nil {
		return header, fmt.Errorf("send caption: %w", err)
	}
	if _, err := f.backend.SendMedia(ctx, f.room, media, header); err != nil {
		return header, fmt.Errorf("send media: %w", err)
	}
	return header, nil
}

func validatePostMedia(media timeline.Content) error {
	switch c := media.(type) {
	case timeline.Image:
		return c.Info.Validate()
	case timeline.Video:
		return c.Info.Validate()
	case nil:
		return fmt.Errorf("%w: no attachment", timeline.ErrMalformedMedia)
	}
	return fmt.Errorf("%w: posts carry an image or a video, got %T", timeline.ErrMalformedMedia, media)
}

// PostComment replies to a post or comment with text
func (f *Feed) PostComment(ctx context.Context, targetID, body string) (string, error) {
	if body == "" {
		return "", errors.New("empty comment")
	}
	post, ok := f.Find(targetID)
	if !ok {
		return "", ErrUnknownTarget
	}

	replyTo := post.ReplyTarget()
	if _, ok := post.Comment(targetID); ok {
		replyTo = targetID
	}

	id, err := f.backend.SendText(ctx, f.room, body, replyTo)
	if err != nil {
		return "", fmt.Errorf("send comment: %w", err)
	}
	return id, nil
}
