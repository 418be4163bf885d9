// Package forum fetches posts from named forum channels through the
// authenticated listing API.
package forum

import "time"

// Post is one harvested forum submission. ExternalID is the source's
// globally unique post id and the store's natural key.
type Post struct {
	ExternalID  string    `json:"external_id"`
	Channel     string    `json:"channel"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	URL         string    `json:"url,omitempty"`
	Score       int       `json:"score"`
	NumComments int       `json:"num_comments"`
	Flair       string    `json:"flair,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// DefaultChannels is the channel set used when a caller passes none.
var DefaultChannels = []string{
	"wallstreetbets",
	"stocks",
	"investing",
	"options",
	"Economics",
	"finance",
}

// DefaultPostLimit caps posts per channel when the caller passes none.
const DefaultPostLimit = 25

// listingEnvelope mirrors the API's listing response shape.
type listingEnvelope struct {
	Data struct {
		Children []struct {
			Data listingPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type listingPost struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	URL         string  `json:"url"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	Flair       string  `json:"link_flair_text"`
	CreatedUTC  float64 `json:"created_utc"`
}

func (p listingPost) toPost(fetchedAt time.Time) Post {
	return Post{
		ExternalID:  p.ID,
		Channel:     p.Subreddit,
		Title:       p.Title,
		Body:        p.SelfText,
		URL:         p.URL,
		Score:       p.Score,
		NumComments: p.NumComments,
		Flair:       p.Flair,
		CreatedAt:   time.Unix(int64(p.CreatedUTC), 0).UTC(),
		FetchedAt:   fetchedAt,
	}
}
