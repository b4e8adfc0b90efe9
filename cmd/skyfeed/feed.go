package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/habitat-network/skyfeed/internal/feed"
)

var (
	fCursor = "cursor"
	fPages  = "pages"
	fPublic = "public"
)

func feedCommand() *cli.Command {
	return &cli.Command{
		Name:      "feed",
		Usage:     "Print an actor's displayable posts as JSON lines",
		ArgsUsage: "[actor]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  fCursor,
				Usage: "Resume from a cursor printed by an earlier run",
			},
			&cli.IntFlag{
				Name:  fPages,
				Usage: "How many pages to fetch",
				Value: 1,
			},
			&cli.BoolFlag{
				Name:  fPublic,
				Usage: "Read from the public AppView even when signed in",
			},
		},
		MutuallyExclusiveFlags: getDBFlags(),
		Action:                 runFeed,
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow an actor's new posts on Jetstream",
		ArgsUsage: "<actor>",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  fCursor,
				Usage: "Jetstream time_us to replay from. Live events only when unset",
			},
		},
		Action: runWatch,
	}
}

// runFeed reads through the signed in account's PDS when there is one, and the public AppView
// otherwise. The actor defaults to the signed in account.
func runFeed(ctx context.Context, cmd *cli.Command) error {
	actor := cmd.Args().First()

	var client *xrpc.Client
	if !cmd.Bool(fPublic) && cmd.String(fSessionEncryptKey) != "" {
		a, err := setupApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		session, err := a.restore(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("unable to restore session, reading the public feed")
		} else if session != nil {
			client = session.XrpcClient()
			if actor == "" {
				actor = session.DID().String()
			}
		}
	}
	if client == nil {
		client = feed.PublicClient()
	}
	if actor == "" {
		return errors.New("an actor is required when not signed in")
	}

	enc := json.NewEncoder(os.Stdout)
	cursor := cmd.String(fCursor)
	for range max(cmd.Int(fPages), 1) {
		page, err := feed.GetPosts(ctx, client, actor, cursor)
		if err != nil {
			return err
		}
		for _, item := range page.Feed {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		cursor = page.Cursor
		if page.NoMorePosts || cursor == "" {
			fmt.Fprintln(os.Stderr, "no more posts")
			return nil
		}
	}
	fmt.Fprintf(os.Stderr, "next cursor: %s\n", cursor)
	return nil
}

type watchedPost struct {
	URI  string         `json:"uri"`
	Post *bsky.FeedPost `json:"post"`
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	actor := cmd.Args().First()
	if actor == "" {
		return errors.New("an actor is required")
	}
	atid, err := syntax.ParseAtIdentifier(actor)
	if err != nil {
		return fmt.Errorf("invalid actor %q: %w", actor, err)
	}
	ident, err := identity.DefaultDirectory().Lookup(ctx, *atid)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", actor, err)
	}

	enc := json.NewEncoder(os.Stdout)
	watcher := feed.NewWatcher(cmd.String(fJetstreamURL), ident.DID, func(_ context.Context, uri syntax.ATURI, post *bsky.FeedPost) error {
		return enc.Encode(watchedPost{URI: uri.String(), Post: post})
	})

	var cursor *int64
	if cmd.IsSet(fCursor) {
		c := cmd.Int64(fCursor)
		cursor = &c
	}
	err = watcher.Run(ctx, cursor)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
