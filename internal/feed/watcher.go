package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/jetstream/pkg/client"
	"github.com/bluesky-social/jetstream/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultJetstreamURL = "wss://jetstream2.us-east.bsky.network/subscribe"

	postCollection = "app.bsky.feed.post"
	maxBackoff     = 60 * time.Second
)

// PostHandler receives each new displayable post.
type PostHandler func(ctx context.Context, uri syntax.ATURI, post *bsky.FeedPost) error

// Watcher follows an actor's new posts on Jetstream.
type Watcher struct {
	config  *client.ClientConfig
	did     syntax.DID
	handler PostHandler

	// time_us of the last event seen, used to resume after a reconnect
	cursor atomic.Int64
}

func NewWatcher(websocketURL string, did syntax.DID, handler PostHandler) *Watcher {
	if websocketURL == "" {
		websocketURL = DefaultJetstreamURL
	}
	return &Watcher{
		config: &client.ClientConfig{
			Compress:          true,
			WebsocketURL:      websocketURL,
			WantedDids:        []string{did.String()},
			WantedCollections: []string{postCollection},
			ExtraHeaders: map[string]string{
				"User-Agent": "skyfeed-jetstream-client/v0.0.1",
			},
		},
		did:     did,
		handler: handler,
	}
}

// scheduler hands events straight to the watcher.
type scheduler struct {
	w   *Watcher
	ctx context.Context
}

func (s *scheduler) AddWork(ctx context.Context, repo string, evt *models.Event) error {
	return s.w.handleEvent(s.ctx, evt)
}

func (s *scheduler) Shutdown() {}

// Run connects to Jetstream and reconnects with exponential backoff until ctx is done. A nil
// cursor starts from live events.
func (w *Watcher) Run(ctx context.Context, cursor *int64) error {
	log.Info().
		Str("url", w.config.WebsocketURL).
		Str("did", w.did.String()).
		Msg("starting jetstream watcher")

	// jetstream logs through slog
	slogger := slog.New(slog.NewJSONHandler(log.Logger, nil))
	jsClient, err := client.NewClient(w.config, slogger, &scheduler{w: w, ctx: ctx})
	if err != nil {
		return err
	}
	if cursor != nil {
		w.cursor.Store(*cursor)
	}

	backoff := time.Second
	for {
		err := jsClient.ConnectAndRead(ctx, w.resumeCursor())
		if ctx.Err() != nil {
			log.Info().Msg("jetstream watcher shutting down")
			return ctx.Err()
		}
		if err == nil {
			backoff = time.Second
			continue
		}

		log.Error().
			Err(err).
			Dur("backoff", backoff).
			Msg("jetstream connection error, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (w *Watcher) resumeCursor() *int64 {
	c := w.cursor.Load()
	if c == 0 {
		return nil
	}
	return &c
}

func (w *Watcher) handleEvent(ctx context.Context, evt *models.Event) error {
	if evt.TimeUS > w.cursor.Load() {
		w.cursor.Store(evt.TimeUS)
	}
	if evt.Kind != models.EventKindCommit || evt.Commit == nil {
		return nil
	}
	commit := evt.Commit
	if commit.Operation != models.CommitOperationCreate ||
		commit.Collection != postCollection ||
		evt.Did != w.did.String() {
		return nil
	}

	var post bsky.FeedPost
	if err := json.Unmarshal(commit.Record, &post); err != nil {
		log.Warn().Err(err).Str("rkey", commit.RKey).Msg("skipping undecodable post")
		return nil
	}
	if !IsDisplayableRecord(&post) {
		return nil
	}
	uri := syntax.ATURI(fmt.Sprintf("at://%s/%s/%s", evt.Did, commit.Collection, commit.RKey))
	return w.handler(ctx, uri, &post)
}
