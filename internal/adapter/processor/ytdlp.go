package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cwygoda/downlee/internal/config"
	"github.com/cwygoda/downlee/internal/domain"
	"github.com/lrstanley/go-ytdlp"
)

var (
	httpPattern    = regexp.MustCompile(`^https?://`)
	qualityPattern = regexp.MustCompile(`^([0-9]{3,4})p$`)
)

// YtdlpProcessor downloads any http(s) URL yt-dlp can extract.
type YtdlpProcessor struct {
	cfg *config.Config
}

// NewYtdlpProcessor creates a yt-dlp processor. Target folders and default
// qualities come from the per-source settings in cfg.
func NewYtdlpProcessor(cfg *config.Config) *YtdlpProcessor {
	return &YtdlpProcessor{cfg: cfg}
}

func (p *YtdlpProcessor) Name() string {
	return "yt-dlp"
}

func (p *YtdlpProcessor) Match(url string) bool {
	return httpPattern.MatchString(url)
}

func (p *YtdlpProcessor) command() *ytdlp.Command {
	cmd := ytdlp.New()
	switch {
	case p.cfg.Ytdlp.CookiesFromBrowser != "":
		cmd.CookiesFromBrowser(p.cfg.Ytdlp.CookiesFromBrowser)
	case p.cfg.Ytdlp.CookiesFile != "":
		if _, err := os.Stat(p.cfg.Ytdlp.CookiesFile); err == nil {
			cmd.Cookies(p.cfg.Ytdlp.CookiesFile)
		}
	}
	return cmd
}

// Probe checks the URL with yt-dlp without downloading it.
func (p *YtdlpProcessor) Probe(ctx context.Context, url string) (domain.ProbeResult, error) {
	timeout := p.cfg.Ytdlp.ProbeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := p.command().DumpJSON().SkipDownload().NoPlaylist().Run(ctx, url)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ProbeResult{Supported: false, Reason: "Request timed out"}, nil
		}
		if ctx.Err() != nil {
			return domain.ProbeResult{}, ctx.Err()
		}
		stderr := err.Error()
		if res != nil && res.Stderr != "" {
			stderr = res.Stderr
		}
		return domain.ProbeResult{Supported: false, Reason: classifyProbeError(stderr)}, nil
	}

	out, err := parseProbe([]byte(res.Stdout))
	if err != nil {
		return domain.ProbeResult{Supported: false, Reason: "Failed to parse video info"}, nil
	}
	return out, nil
}

// Fetch downloads into an isolated temp dir, then moves the result into the
// source's folder.
func (p *YtdlpProcessor) Fetch(ctx context.Context, job *domain.Job, obs domain.ProgressObserver) (domain.FetchResult, error) {
	src, ok := job.Source.(domain.URLSource)
	if !ok {
		return domain.FetchResult{}, fmt.Errorf("%w: yt-dlp handles URLs only", domain.ErrUnsupportedSource)
	}

	tempDir, err := os.MkdirTemp("", fmt.Sprintf("downlee-job-%d-*", job.ID))
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	dl := p.command().
		RestrictFilenames().
		Output(filepath.Join(tempDir, "%(title)s.%(ext)s"))
	if f := formatSelector(src.Format, p.cfg.SourceQuality(job.SourceID)); f != "" {
		dl.Format(f)
	}

	dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		pr := domain.Progress{
			Downloaded: int64(update.DownloadedBytes),
			Total:      int64(update.TotalBytes),
		}
		if !update.Started.IsZero() {
			if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
				pr.Speed = float64(update.DownloadedBytes) / elapsed
			}
		}
		obs.OnProgress(pr)
	})

	res, err := dl.Run(ctx, src.URL)
	if err != nil {
		if ctx.Err() != nil {
			return domain.FetchResult{}, ctx.Err()
		}
		msg := err.Error()
		if res != nil && res.Stderr != "" {
			msg = classifyProbeError(res.Stderr)
		}
		return domain.FetchResult{}, fmt.Errorf("%w: yt-dlp: %s", domain.ErrTransfer, msg)
	}

	var prefer string
	if info, err := res.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Filename != nil {
		prefer = filepath.Base(*info[0].Filename)
	}

	target := p.cfg.SourceDir(job.SourceID)
	moved, err := moveFiles(job.ID, tempDir, target)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("move files: %w", err)
	}
	final, size := mainFile(moved, prefer)
	if final == "" {
		return domain.FetchResult{}, fmt.Errorf("%w: yt-dlp produced no file", domain.ErrTransfer)
	}
	log.Printf("job %d: saved %s", job.ID, final)
	return domain.FetchResult{FinalPath: final, FinalSize: size}, nil
}

// formatSelector builds the -f argument. An explicit format id is paired
// with the best audio track; otherwise a "1080p" style quality caps the
// height.
func formatSelector(format, quality string) string {
	if format != "" && format != "best" {
		return fmt.Sprintf("%s+bestaudio/best/%s", format, format)
	}
	if m := qualityPattern.FindStringSubmatch(quality); m != nil {
		return fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", m[1], m[1])
	}
	return ""
}

type probeInfo struct {
	Title          string        `json:"title"`
	Duration       float64       `json:"duration"`
	Ext            string        `json:"ext"`
	Filesize       *float64      `json:"filesize"`
	FilesizeApprox *float64      `json:"filesize_approx"`
	Formats        []probeFormat `json:"formats"`
}

type probeFormat struct {
	FormatID       string   `json:"format_id"`
	Ext            string   `json:"ext"`
	Height         *int     `json:"height"`
	VCodec         string   `json:"vcodec"`
	ACodec         string   `json:"acodec"`
	Filesize       *float64 `json:"filesize"`
	FilesizeApprox *float64 `json:"filesize_approx"`
}

func sizeOf(exact, approx *float64) int64 {
	if exact != nil && *exact > 0 {
		return int64(*exact)
	}
	if approx != nil && *approx > 0 {
		return int64(*approx)
	}
	return 0
}

// parseProbe converts yt-dlp's --dump-json output. Video formats are
// deduplicated by height and container and sorted tallest first; without
// any, a single "best" entry is offered.
func parseProbe(data []byte) (domain.ProbeResult, error) {
	// a playlist dump is one object per line; the first describes the entry
	var info probeInfo
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&info); err != nil {
		return domain.ProbeResult{}, err
	}

	out := domain.ProbeResult{
		Supported: true,
		Title:     info.Title,
		Duration:  info.Duration,
		Ext:       info.Ext,
		Filesize:  sizeOf(info.Filesize, info.FilesizeApprox),
	}
	if out.Title == "" {
		out.Title = "Unknown"
	}
	if out.Ext == "" {
		out.Ext = "mp4"
	}

	type key struct {
		height int
		ext    string
	}
	seen := make(map[key]bool)
	for _, f := range info.Formats {
		hasVideo := f.VCodec != "" && f.VCodec != "none"
		if !hasVideo || f.Height == nil || *f.Height == 0 {
			continue
		}
		k := key{*f.Height, f.Ext}
		if seen[k] {
			continue
		}
		seen[k] = true
		out.Formats = append(out.Formats, domain.Format{
			FormatID:   f.FormatID,
			Ext:        f.Ext,
			Resolution: fmt.Sprintf("%dp", *f.Height),
			Height:     *f.Height,
			Filesize:   sizeOf(f.Filesize, f.FilesizeApprox),
			HasAudio:   f.ACodec != "" && f.ACodec != "none",
		})
	}
	sort.SliceStable(out.Formats, func(i, j int) bool {
		return out.Formats[i].Height > out.Formats[j].Height
	})

	if len(out.Formats) == 0 {
		out.Formats = []domain.Format{{
			FormatID:   "best",
			Ext:        out.Ext,
			Resolution: "best",
			Filesize:   out.Filesize,
			HasAudio:   true,
		}}
	}
	return out, nil
}

// classifyProbeError reduces yt-dlp's stderr to a short reason.
func classifyProbeError(stderr string) string {
	for _, known := range []string{"Unsupported URL", "Video unavailable", "Private video"} {
		if strings.Contains(stderr, known) {
			return known
		}
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return "Unknown error"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
