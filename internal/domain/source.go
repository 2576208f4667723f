package domain

import (
	"net/url"
	"path"
	"strings"
)

// SourceFamily groups sources that share an external ref namespace.
type SourceFamily string

const (
	FamilyTelegram SourceFamily = "telegram"
	FamilyURL      SourceFamily = "url"
)

// Families lists every source family.
var Families = []SourceFamily{FamilyTelegram, FamilyURL}

// Source is where a job's bytes come from. It is one of TelegramSource or
// URLSource.
type Source interface {
	Family() SourceFamily
	isSource()
}

// TelegramSource is a file attached to a chat message.
type TelegramSource struct {
	MessageRef string
	MimeHint   string
}

func (TelegramSource) Family() SourceFamily { return FamilyTelegram }
func (TelegramSource) isSource()            {}

// URLSource is a page or media URL handled by an extractor.
type URLSource struct {
	URL    string
	Format string
}

func (URLSource) Family() SourceFamily { return FamilyURL }
func (URLSource) isSource()            {}

// SourceID returns the normalized origin token for src.
func SourceID(src Source) string {
	switch s := src.(type) {
	case TelegramSource:
		return string(FamilyTelegram)
	case URLSource:
		return SourceIDFromURL(s.URL)
	}
	return ""
}

// SourceIDFromURL extracts the site name from a URL host, e.g.
// www.youtube.com -> youtube, news.bbc.co.uk -> bbc.
func SourceIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return host
	}
	switch parts[len(parts)-2] {
	case "co", "com", "org", "net":
		if len(parts) >= 3 {
			return parts[len(parts)-3]
		}
	}
	return parts[len(parts)-2]
}

// TitleFromURL derives a fallback title from the last path segment.
func TitleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return u.Hostname()
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// MediaFolder picks the download sub-folder for a MIME type.
func MediaFolder(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "Images"
	case strings.HasPrefix(mime, "video/"):
		return "Videos"
	}
	return "Documents"
}
