package processor

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
	ytget "github.com/ytget/ytdlp/v2"
)

var (
	youtubePattern    = regexp.MustCompile(`^https?://(www\.|m\.)?(youtube\.com|youtu\.be)/`)
	playlistIDPattern = regexp.MustCompile(`[?&]list=([A-Za-z0-9_-]+)`)
)

const youtubeWatchURL = "https://www.youtube.com/watch?v=%s"

// YouTubePlaylist expands YouTube playlist URLs into one watch URL per video.
type YouTubePlaylist struct {
	timeout time.Duration
	list    func(ctx context.Context, playlistID string) ([]domain.PlaylistEntry, error)
}

// NewYouTubePlaylist creates a playlist expander.
func NewYouTubePlaylist(timeout time.Duration) *YouTubePlaylist {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &YouTubePlaylist{timeout: timeout, list: listPlaylist}
}

func (p *YouTubePlaylist) Name() string {
	return "youtube-playlist"
}

// Match returns true for YouTube URLs carrying a list parameter.
func (p *YouTubePlaylist) Match(url string) bool {
	return youtubePattern.MatchString(url) && playlistID(url) != ""
}

func (p *YouTubePlaylist) Expand(ctx context.Context, url string) ([]domain.PlaylistEntry, error) {
	id := playlistID(url)
	if id == "" {
		return nil, fmt.Errorf("%w: no playlist id in %s", domain.ErrValidation, url)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	entries, err := p.list(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list playlist %s: %v", domain.ErrTransfer, id, err)
	}
	return entries, nil
}

func playlistID(url string) string {
	if m := playlistIDPattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

func listPlaylist(ctx context.Context, playlistID string) ([]domain.PlaylistEntry, error) {
	items, err := ytget.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.PlaylistEntry, 0, len(items))
	for _, it := range items {
		if it.VideoID == "" {
			continue
		}
		entries = append(entries, domain.PlaylistEntry{
			URL:   fmt.Sprintf(youtubeWatchURL, it.VideoID),
			Title: it.Title,
		})
	}
	return entries, nil
}
