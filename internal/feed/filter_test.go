package feed

import (
	"testing"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/stretchr/testify/require"
)

func withEmbed(embed *bsky.FeedDefs_PostView_Embed) *bsky.FeedDefs_FeedViewPost {
	item := testPost("embed")
	item.Post.Embed = embed
	return item
}

func TestIsDisplayable(t *testing.T) {
	reply := testPost("reply")
	reply.Reply = &bsky.FeedDefs_ReplyRef{}
	repost := testPost("repost")
	repost.Reason = &bsky.FeedDefs_FeedViewPost_Reason{FeedDefs_ReasonRepost: &bsky.FeedDefs_ReasonRepost{}}
	pinned := testPost("pinned")
	pinned.Reason = &bsky.FeedDefs_FeedViewPost_Reason{FeedDefs_ReasonPin: &bsky.FeedDefs_ReasonPin{}}

	for name, tc := range map[string]struct {
		item *bsky.FeedDefs_FeedViewPost
		want bool
	}{
		"plain":  {testPost("plain"), true},
		"pinned": {pinned, true},
		"images": {withEmbed(&bsky.FeedDefs_PostView_Embed{EmbedImages_View: &bsky.EmbedImages_View{}}), true},
		"reply":  {reply, false},
		"repost": {repost, false},
		"video":  {withEmbed(&bsky.FeedDefs_PostView_Embed{EmbedVideo_View: &bsky.EmbedVideo_View{}}), false},
		"external": {
			withEmbed(&bsky.FeedDefs_PostView_Embed{EmbedExternal_View: &bsky.EmbedExternal_View{}}),
			false,
		},
		"quote": {withEmbed(&bsky.FeedDefs_PostView_Embed{EmbedRecord_View: &bsky.EmbedRecord_View{}}), false},
		"quote with media": {
			withEmbed(&bsky.FeedDefs_PostView_Embed{EmbedRecordWithMedia_View: &bsky.EmbedRecordWithMedia_View{}}),
			false,
		},
		"missing post": {&bsky.FeedDefs_FeedViewPost{}, false},
		"nil":          {nil, false},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, IsDisplayable(tc.item))
		})
	}
}

func TestIsDisplayableRecord(t *testing.T) {
	for name, tc := range map[string]struct {
		post *bsky.FeedPost
		want bool
	}{
		"plain":  {&bsky.FeedPost{Text: "hi"}, true},
		"images": {&bsky.FeedPost{Embed: &bsky.FeedPost_Embed{EmbedImages: &bsky.EmbedImages{}}}, true},
		"reply":  {&bsky.FeedPost{Reply: &bsky.FeedPost_ReplyRef{}}, false},
		"video":  {&bsky.FeedPost{Embed: &bsky.FeedPost_Embed{EmbedVideo: &bsky.EmbedVideo{}}}, false},
		"external": {
			&bsky.FeedPost{Embed: &bsky.FeedPost_Embed{EmbedExternal: &bsky.EmbedExternal{}}},
			false,
		},
		"quote": {&bsky.FeedPost{Embed: &bsky.FeedPost_Embed{EmbedRecord: &bsky.EmbedRecord{}}}, false},
		"quote with media": {
			&bsky.FeedPost{Embed: &bsky.FeedPost_Embed{EmbedRecordWithMedia: &bsky.EmbedRecordWithMedia{}}},
			false,
		},
		"nil": {nil, false},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, IsDisplayableRecord(tc.post))
		})
	}
}
