package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/downlee/internal/config"
	"github.com/cwygoda/downlee/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

type progressLog struct {
	mu    sync.Mutex
	items []domain.Progress
}

func (l *progressLog) OnProgress(p domain.Progress) {
	l.mu.Lock()
	l.items = append(l.items, p)
	l.mu.Unlock()
}

func (l *progressLog) all() []domain.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Progress(nil), l.items...)
}

func urlJobFor(url string) *domain.Job {
	return &domain.Job{ID: 1, Source: domain.URLSource{URL: url}}
}

func TestNewCommandProcessor(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProcessorConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: config.ProcessorConfig{
				Name:    "test",
				Pattern: `^https?://example\.com/`,
				Command: "echo",
				Args:    []string{"{url}"},
			},
			wantErr: false,
		},
		{
			name: "invalid regex",
			cfg: config.ProcessorConfig{
				Name:    "bad",
				Pattern: `[invalid`,
				Command: "echo",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommandProcessor(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCommandProcessor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandProcessor_Match(t *testing.T) {
	p, _ := NewCommandProcessor(config.ProcessorConfig{
		Name:    "youtube",
		Pattern: `^https?://(www\.)?(youtube\.com|youtu\.be)/`,
	})

	tests := []struct {
		url  string
		want bool
	}{
		{"https://youtube.com/watch?v=abc123", true},
		{"https://www.youtube.com/watch?v=abc123", true},
		{"http://youtu.be/abc123", true},
		{"https://vimeo.com/123456", false},
		{"https://example.com/video", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got := p.Match(tt.url)
			if got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestCommandProcessor_FetchDirect(t *testing.T) {
	targetDir := t.TempDir()

	p, err := NewCommandProcessor(config.ProcessorConfig{
		Name:      "test",
		Pattern:   ".*",
		Command:   "sh",
		Args:      []string{"-c", "printf hello > output.txt; echo '[download] Destination: output.txt'"},
		TargetDir: targetDir,
		Isolate:   boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Fetch(context.Background(), urlJobFor("https://example.com"), &progressLog{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	want := filepath.Join(targetDir, "output.txt")
	if res.FinalPath != want {
		t.Errorf("FinalPath = %q, want %q", res.FinalPath, want)
	}
	if res.FinalSize != 5 {
		t.Errorf("FinalSize = %d, want 5", res.FinalSize)
	}
}

func TestCommandProcessor_FetchIsolated(t *testing.T) {
	targetDir := t.TempDir()

	p, err := NewCommandProcessor(config.ProcessorConfig{
		Name:      "test",
		Pattern:   ".*",
		Command:   "sh",
		Args:      []string{"-c", "printf a > small.txt; printf abcdef > big.bin"},
		TargetDir: targetDir,
		Isolate:   boolPtr(true),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Fetch(context.Background(), urlJobFor("https://example.com"), &progressLog{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	// Check files were moved to target dir
	for _, name := range []string{"small.txt", "big.bin"} {
		if _, err := os.Stat(filepath.Join(targetDir, name)); os.IsNotExist(err) {
			t.Errorf("expected %s to exist in target dir", name)
		}
	}
	if res.FinalPath != filepath.Join(targetDir, "big.bin") {
		t.Errorf("FinalPath = %q, want the largest file", res.FinalPath)
	}
}

func TestCommandProcessor_NoOverwrite(t *testing.T) {
	targetDir := t.TempDir()

	// Create existing file with content
	existingFile := filepath.Join(targetDir, "existing.txt")
	if err := os.WriteFile(existingFile, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := NewCommandProcessor(config.ProcessorConfig{
		Name:      "test",
		Pattern:   ".*",
		Command:   "sh",
		Args:      []string{"-c", "echo new > existing.txt"},
		TargetDir: targetDir,
		Isolate:   boolPtr(true),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Fetch(context.Background(), urlJobFor("https://example.com"), &progressLog{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	// The new download lands beside the old one
	renamed := filepath.Join(targetDir, "existing (1).txt")
	if res.FinalPath != renamed {
		t.Errorf("FinalPath = %q, want %q", res.FinalPath, renamed)
	}
	if got, _ := os.ReadFile(renamed); string(got) != "new\n" {
		t.Errorf("renamed content = %q, want %q", got, "new\n")
	}
	if res.FinalSize != 4 {
		t.Errorf("FinalSize = %d, want 4", res.FinalSize)
	}

	// Check original file unchanged
	content, err := os.ReadFile(existingFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "original" {
		t.Errorf("file was overwritten: got %q, want %q", string(content), "original")
	}
}

func TestCommandProcessor_Placeholders(t *testing.T) {
	targetDir := t.TempDir()

	p, err := NewCommandProcessor(config.ProcessorConfig{
		Name:      "test",
		Pattern:   ".*",
		Command:   "sh",
		Args:      []string{"-c", "echo {url} {format} > {output}/args.txt"},
		TargetDir: targetDir,
		Isolate:   boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}

	job := &domain.Job{ID: 1, Source: domain.URLSource{URL: "https://example.com/video", Format: "22"}}
	if _, err := p.Fetch(context.Background(), job, &progressLog{}); err != nil {
		t.Errorf("Fetch() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(targetDir, "args.txt"))
	if err != nil {
		t.Fatal(err)
	}
	// Note: echo adds newline
	if got := string(content); got != "https://example.com/video 22\n" {
		t.Errorf("placeholders not replaced: got %q", got)
	}
}

func TestCommandProcessor_ReportsProgress(t *testing.T) {
	p, err := NewCommandProcessor(config.ProcessorConfig{
		Name:    "test",
		Pattern: ".*",
		Command: "sh",
		Args: []string{"-c", `printf '[download]  25.0%% of 4.00KiB at 1.00KiB/s ETA 00:03\r'
printf '[download]  50.0%% of 4.00KiB at 2.00KiB/s ETA 00:01\n'
echo 'unrelated line'`},
		TargetDir: t.TempDir(),
		Isolate:   boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}

	obs := &progressLog{}
	if _, err := p.Fetch(context.Background(), urlJobFor("https://example.com"), obs); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	got := obs.all()
	if len(got) != 2 {
		t.Fatalf("progress reports = %d, want 2: %+v", len(got), got)
	}
	if got[0].Downloaded != 1024 || got[0].Total != 4096 || got[0].Speed != 1024 {
		t.Errorf("first report = %+v", got[0])
	}
	if got[1].Downloaded != 2048 || got[1].Speed != 2048 {
		t.Errorf("second report = %+v", got[1])
	}
}

func TestCommandProcessor_Failure(t *testing.T) {
	p, _ := NewCommandProcessor(config.ProcessorConfig{
		Name:      "test",
		Pattern:   ".*",
		Command:   "sh",
		Args:      []string{"-c", "echo 'ERROR: Unsupported URL' >&2; exit 1"},
		TargetDir: t.TempDir(),
		Isolate:   boolPtr(false),
	})

	_, err := p.Fetch(context.Background(), urlJobFor("https://example.com"), &progressLog{})
	if !errors.Is(err, domain.ErrTransfer) {
		t.Fatalf("Fetch() error = %v, want ErrTransfer", err)
	}
}

func TestCommandProcessor_Cancel(t *testing.T) {
	p, _ := NewCommandProcessor(config.ProcessorConfig{
		Name:      "test",
		Pattern:   ".*",
		Command:   "sleep",
		Args:      []string{"30"},
		TargetDir: t.TempDir(),
		Isolate:   boolPtr(false),
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := p.Fetch(ctx, urlJobFor("https://example.com"), &progressLog{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("Fetch() did not return promptly after cancel")
	}
}

func TestCommandProcessor_RejectsTelegramJob(t *testing.T) {
	p, _ := NewCommandProcessor(config.ProcessorConfig{Name: "test", Pattern: ".*", Command: "true"})
	job := &domain.Job{ID: 1, Source: domain.TelegramSource{MessageRef: "1"}}
	_, err := p.Fetch(context.Background(), job, &progressLog{})
	if !errors.Is(err, domain.ErrUnsupportedSource) {
		t.Errorf("Fetch() error = %v, want ErrUnsupportedSource", err)
	}
}

func TestCommandProcessor_DefaultIsolate(t *testing.T) {
	p, err := NewCommandProcessor(config.ProcessorConfig{
		Name:    "test",
		Pattern: ".*",
		Command: "echo",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Default should be true (isolate enabled)
	if !p.isolate {
		t.Error("expected isolate to default to true")
	}
}

func TestCommandProcessor_DefaultTargetDir(t *testing.T) {
	p, err := NewCommandProcessor(config.ProcessorConfig{
		Name:    "test",
		Pattern: ".*",
		Command: "echo",
	})
	if err != nil {
		t.Fatal(err)
	}

	expected := config.DefaultTargetDir()
	if p.TargetDir() != expected {
		t.Errorf("TargetDir() = %q, want %q", p.TargetDir(), expected)
	}
}

func TestCommandProcessor_Probe(t *testing.T) {
	p, _ := NewCommandProcessor(config.ProcessorConfig{Name: "test", Pattern: ".*", Command: "true"})
	res, err := p.Probe(context.Background(), "https://example.com/media/clip.mp4")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !res.Supported || res.Title != "clip" {
		t.Errorf("Probe() = %+v", res)
	}
}
