package feed

import "github.com/bluesky-social/indigo/api/bsky"

// IsDisplayable reports whether a feed item is an original, top level post whose embed (if
// any) is not a video, link card or quote. Reposts and replies are not displayable.
func IsDisplayable(item *bsky.FeedDefs_FeedViewPost) bool {
	if item == nil || item.Post == nil {
		return false
	}
	if item.Reply != nil {
		return false
	}
	if item.Reason != nil && item.Reason.FeedDefs_ReasonRepost != nil {
		return false
	}
	if embed := item.Post.Embed; embed != nil {
		if embed.EmbedVideo_View != nil ||
			embed.EmbedExternal_View != nil ||
			embed.EmbedRecord_View != nil ||
			embed.EmbedRecordWithMedia_View != nil {
			return false
		}
	}
	return true
}

// IsDisplayableRecord is IsDisplayable for a raw app.bsky.feed.post record.
func IsDisplayableRecord(post *bsky.FeedPost) bool {
	if post == nil || post.Reply != nil {
		return false
	}
	if embed := post.Embed; embed != nil {
		if embed.EmbedVideo != nil ||
			embed.EmbedExternal != nil ||
			embed.EmbedRecord != nil ||
			embed.EmbedRecordWithMedia != nil {
			return false
		}
	}
	return true
}
