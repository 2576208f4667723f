package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/cwygoda/downlee/internal/domain"
)

type mockProcessor struct {
	name    string
	matcher func(string) bool
}

func (m *mockProcessor) Name() string          { return m.name }
func (m *mockProcessor) Match(url string) bool { return m.matcher(url) }
func (m *mockProcessor) Fetch(ctx context.Context, job *domain.Job, obs domain.ProgressObserver) (domain.FetchResult, error) {
	return domain.FetchResult{}, nil
}
func (m *mockProcessor) Probe(ctx context.Context, url string) (domain.ProbeResult, error) {
	return domain.ProbeResult{Supported: true}, nil
}

type mockPlaylist struct {
	matcher func(string) bool
}

func (m *mockPlaylist) Match(url string) bool { return m.matcher(url) }
func (m *mockPlaylist) Expand(ctx context.Context, url string) ([]domain.PlaylistEntry, error) {
	return nil, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	p1 := &mockProcessor{name: "proc1", matcher: func(s string) bool { return s == "a" }}
	p2 := &mockProcessor{name: "proc2", matcher: func(s string) bool { return true }}

	r.Register(p1)
	r.Register(p2)

	if p := r.Match("a"); p != p1 {
		t.Errorf("Match(a) = %v, want proc1", p)
	}
	if p := r.Match("b"); p != p2 {
		t.Errorf("Match(b) = %v, want proc2", p)
	}
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry()

	youtube := &mockProcessor{
		name:    "youtube",
		matcher: func(s string) bool { return s == "https://youtube.com/watch" },
	}
	generic := &mockProcessor{
		name:    "generic",
		matcher: func(s string) bool { return true },
	}

	r.Register(youtube)
	r.Register(generic)

	tests := []struct {
		url      string
		wantName string
	}{
		{"https://youtube.com/watch", "youtube"},
		{"https://other.com/video", "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			p := r.Match(tt.url)
			if p == nil {
				t.Fatal("Match() returned nil")
			}
			if p.Name() != tt.wantName {
				t.Errorf("Match() name = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()

	if p := r.Match("any-url"); p != nil {
		t.Errorf("Match() = %v, want nil", p)
	}
}

func TestRegistry_Adapter(t *testing.T) {
	r := NewRegistry()
	tg := &mockProcessor{name: "telegram", matcher: func(string) bool { return false }}
	yt := &mockProcessor{name: "youtube", matcher: func(s string) bool { return s == "https://youtube.com/watch" }}
	r.Register(yt)

	// telegram not configured yet
	_, err := r.Adapter(domain.TelegramSource{MessageRef: "1"})
	if !errors.Is(err, domain.ErrUnsupportedSource) {
		t.Errorf("Adapter(telegram) error = %v, want ErrUnsupportedSource", err)
	}

	r.SetTelegram(tg)
	a, err := r.Adapter(domain.TelegramSource{MessageRef: "1"})
	if err != nil || a.Name() != "telegram" {
		t.Errorf("Adapter(telegram) = %v, %v", a, err)
	}

	a, err = r.Adapter(domain.URLSource{URL: "https://youtube.com/watch"})
	if err != nil || a.Name() != "youtube" {
		t.Errorf("Adapter(url) = %v, %v", a, err)
	}

	_, err = r.Adapter(domain.URLSource{URL: "https://vimeo.com/1"})
	if !errors.Is(err, domain.ErrUnsupportedSource) {
		t.Errorf("Adapter(unmatched) error = %v, want ErrUnsupportedSource", err)
	}
}

func TestRegistry_ProberAndPlaylist(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProcessor{name: "yt", matcher: func(s string) bool { return s == "https://youtube.com/watch" }})
	r.RegisterPlaylist(&mockPlaylist{matcher: func(s string) bool { return s == "https://youtube.com/playlist" }})

	if _, err := r.Prober("https://youtube.com/watch"); err != nil {
		t.Errorf("Prober() error = %v", err)
	}
	if _, err := r.Prober("https://other.com"); !errors.Is(err, domain.ErrUnsupportedSource) {
		t.Errorf("Prober() error = %v, want ErrUnsupportedSource", err)
	}
	if _, err := r.Playlist("https://youtube.com/playlist"); err != nil {
		t.Errorf("Playlist() error = %v", err)
	}
	if _, err := r.Playlist("https://youtube.com/watch"); !errors.Is(err, domain.ErrUnsupportedSource) {
		t.Errorf("Playlist() error = %v, want ErrUnsupportedSource", err)
	}
}
