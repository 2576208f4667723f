package processor

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
	"github.com/dustin/go-humanize"
)

// TelegramProcessor fetches chat attachments from a bot bridge that serves
// GET {bridge}/messages/{ref}/media.
type TelegramProcessor struct {
	bridgeURL string
	token     string
	targetDir string
	client    *http.Client
	interval  time.Duration
}

// NewTelegramProcessor creates a bridge client. Files land under targetDir
// in a sub-folder chosen by MIME type.
func NewTelegramProcessor(bridgeURL, token, targetDir string) *TelegramProcessor {
	return &TelegramProcessor{
		bridgeURL: strings.TrimRight(bridgeURL, "/"),
		token:     token,
		targetDir: targetDir,
		client:    &http.Client{},
		interval:  500 * time.Millisecond,
	}
}

func (p *TelegramProcessor) Name() string {
	return "telegram"
}

func (p *TelegramProcessor) Fetch(ctx context.Context, job *domain.Job, obs domain.ProgressObserver) (domain.FetchResult, error) {
	src, ok := job.Source.(domain.TelegramSource)
	if !ok {
		return domain.FetchResult{}, fmt.Errorf("%w: telegram handles chat messages only", domain.ErrUnsupportedSource)
	}

	endpoint := fmt.Sprintf("%s/messages/%s/media", p.bridgeURL, url.PathEscape(src.MessageRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.FetchResult{}, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.FetchResult{}, ctx.Err()
		}
		return domain.FetchResult{}, fmt.Errorf("%w: %v", domain.ErrTransfer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.FetchResult{}, fmt.Errorf("%w: bridge returned %s", domain.ErrTransfer, resp.Status)
	}

	name := job.DisplayName
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	name = safeName(name, fmt.Sprintf("%d", job.ID))

	mimeType := src.MimeHint
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	dir := filepath.Join(p.targetDir, domain.MediaFolder(mimeType))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return domain.FetchResult{}, fmt.Errorf("create target dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".downlee-*.part")
	if err != nil {
		return domain.FetchResult{}, err
	}
	defer os.Remove(tmp.Name())

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	pw := newProgressWriter(obs, total, p.interval)
	n, err := io.Copy(tmp, io.TeeReader(resp.Body, pw))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.FetchResult{}, ctx.Err()
		}
		return domain.FetchResult{}, fmt.Errorf("%w: read body: %v", domain.ErrTransfer, err)
	}
	if total > 0 && n != total {
		return domain.FetchResult{}, fmt.Errorf("%w: short body %d of %d bytes", domain.ErrTransfer, n, total)
	}
	pw.flush()

	dst := uniquePath(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return domain.FetchResult{}, err
	}
	log.Printf("job %d: saved %s (%s)", job.ID, dst, humanize.Bytes(uint64(n)))
	return domain.FetchResult{FinalPath: dst, FinalSize: n}, nil
}
