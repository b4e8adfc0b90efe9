// Package feed reads an actor's posts and drops the kinds of post that are not shown.
package feed

import (
	"context"
	"fmt"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/bradenaw/juniper/xslices"
)

const (
	// PublicAppView serves feeds without authentication.
	PublicAppView = "https://public.api.bsky.app"

	pageLimit            = 100
	filterPostsNoReplies = "posts_no_replies"
)

// Page is one page of an author feed.
type Page struct {
	Feed   []*bsky.FeedDefs_FeedViewPost `json:"feed"`
	Cursor string                        `json:"cursor,omitempty"`
	// NoMorePosts is set when the server returned the cursor it was given.
	NoMorePosts bool `json:"noMorePosts"`
}

// GetPosts fetches a page of actor's top level posts, starting at cursor, and keeps the
// displayable ones.
func GetPosts(ctx context.Context, c *xrpc.Client, actor string, cursor string) (*Page, error) {
	out, err := bsky.FeedGetAuthorFeed(ctx, c, actor, cursor, filterPostsNoReplies, false, pageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get author feed for %s: %w", actor, err)
	}
	var next string
	if out.Cursor != nil {
		next = *out.Cursor
	}
	return &Page{
		Feed:        xslices.Filter(out.Feed, IsDisplayable),
		Cursor:      next,
		NoMorePosts: next == cursor,
	}, nil
}

// PublicClient returns an unauthenticated client for the public AppView.
func PublicClient() *xrpc.Client {
	return &xrpc.Client{Host: PublicAppView}
}
