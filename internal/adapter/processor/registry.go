package processor

import (
	"fmt"

	"github.com/cwygoda/downlee/internal/domain"
)

// URLProcessor downloads and probes the URLs it matches.
type URLProcessor interface {
	domain.SourceAdapter
	domain.URLProber
	Match(url string) bool
}

// PlaylistProcessor expands the playlist URLs it matches.
type PlaylistProcessor interface {
	domain.PlaylistExpander
	Match(url string) bool
}

// Registry holds registered source adapters and resolves them per job.
type Registry struct {
	telegram   domain.SourceAdapter
	processors []URLProcessor
	playlists  []PlaylistProcessor
}

// NewRegistry creates a new processor registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetTelegram sets the adapter for chat-message jobs.
func (r *Registry) SetTelegram(a domain.SourceAdapter) {
	r.telegram = a
}

// Register adds a URL processor. Processors are tried in registration order.
func (r *Registry) Register(p URLProcessor) {
	r.processors = append(r.processors, p)
}

// RegisterPlaylist adds a playlist expander.
func (r *Registry) RegisterPlaylist(p PlaylistProcessor) {
	r.playlists = append(r.playlists, p)
}

// Match returns the first processor that matches the URL, or nil.
func (r *Registry) Match(url string) URLProcessor {
	for _, p := range r.processors {
		if p.Match(url) {
			return p
		}
	}
	return nil
}

// Adapter returns the adapter for a job source.
func (r *Registry) Adapter(src domain.Source) (domain.SourceAdapter, error) {
	switch s := src.(type) {
	case domain.TelegramSource:
		if r.telegram == nil {
			return nil, fmt.Errorf("%w: telegram bridge not configured", domain.ErrUnsupportedSource)
		}
		return r.telegram, nil
	case domain.URLSource:
		if p := r.Match(s.URL); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("%w: no processor for %s", domain.ErrUnsupportedSource, s.URL)
	}
	return nil, fmt.Errorf("%w: unknown source %T", domain.ErrUnsupportedSource, src)
}

// Prober returns the prober of the processor matching url.
func (r *Registry) Prober(url string) (domain.URLProber, error) {
	if p := r.Match(url); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: no processor for %s", domain.ErrUnsupportedSource, url)
}

// Playlist returns the expander matching url.
func (r *Registry) Playlist(url string) (domain.PlaylistExpander, error) {
	for _, p := range r.playlists {
		if p.Match(url) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: not a known playlist %s", domain.ErrUnsupportedSource, url)
}
