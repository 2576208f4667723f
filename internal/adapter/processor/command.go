package processor

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cwygoda/downlee/internal/config"
	"github.com/cwygoda/downlee/internal/domain"
)

// CommandProcessor runs an external command for matching URLs. Output lines
// in yt-dlp's "[download] 12.5% of 10MiB at 1MiB/s" form are reported as
// progress.
type CommandProcessor struct {
	name      string
	pattern   *regexp.Regexp
	command   string
	args      []string
	targetDir string
	isolate   bool
}

// NewCommandProcessor creates a processor from config.
// Uses the default download dir if target_dir not set, isolate defaults to true.
func NewCommandProcessor(pc config.ProcessorConfig) (*CommandProcessor, error) {
	re, err := regexp.Compile(pc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pc.Pattern, err)
	}

	targetDir := pc.TargetDir
	if targetDir == "" {
		targetDir = config.DefaultTargetDir()
	} else {
		targetDir = config.ExpandPath(targetDir)
	}

	isolate := true
	if pc.Isolate != nil {
		isolate = *pc.Isolate
	}

	return &CommandProcessor{
		name:      pc.Name,
		pattern:   re,
		command:   pc.Command,
		args:      pc.Args,
		targetDir: targetDir,
		isolate:   isolate,
	}, nil
}

func (p *CommandProcessor) Name() string {
	return p.name
}

func (p *CommandProcessor) TargetDir() string {
	return p.targetDir
}

func (p *CommandProcessor) Match(url string) bool {
	return p.pattern.MatchString(url)
}

// Probe reports the URL as supported; external commands offer no dry run.
func (p *CommandProcessor) Probe(ctx context.Context, url string) (domain.ProbeResult, error) {
	return domain.ProbeResult{
		Supported: true,
		Title:     domain.TitleFromURL(url),
		Formats:   []domain.Format{{FormatID: "best", Resolution: "best", HasAudio: true}},
	}, nil
}

func (p *CommandProcessor) Fetch(ctx context.Context, job *domain.Job, obs domain.ProgressObserver) (domain.FetchResult, error) {
	src, ok := job.Source.(domain.URLSource)
	if !ok {
		return domain.FetchResult{}, fmt.Errorf("%w: %s handles URLs only", domain.ErrUnsupportedSource, p.name)
	}
	if p.isolate {
		return p.fetchIsolated(ctx, job, src, obs)
	}
	return p.fetchDirect(ctx, job, src, obs)
}

// buildArgs replaces the {url}, {format} and {output} placeholders.
func (p *CommandProcessor) buildArgs(src domain.URLSource, outputDir string) []string {
	format := src.Format
	if format == "" {
		format = "best"
	}
	r := strings.NewReplacer("{url}", src.URL, "{format}", format, "{output}", outputDir)
	args := make([]string, len(p.args))
	for i, arg := range p.args {
		args[i] = r.Replace(arg)
	}
	return args
}

// fetchDirect runs command directly in target directory.
func (p *CommandProcessor) fetchDirect(ctx context.Context, job *domain.Job, src domain.URLSource, obs domain.ProgressObserver) (domain.FetchResult, error) {
	if err := os.MkdirAll(p.targetDir, 0755); err != nil {
		return domain.FetchResult{}, fmt.Errorf("create target dir: %w", err)
	}

	dest, err := p.run(ctx, job, p.targetDir, p.buildArgs(src, p.targetDir), obs)
	if err != nil {
		return domain.FetchResult{}, err
	}

	var res domain.FetchResult
	if dest != "" {
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(p.targetDir, dest)
		}
		if info, err := os.Stat(dest); err == nil {
			res.FinalPath, res.FinalSize = dest, info.Size()
		}
	}
	return res, nil
}

// fetchIsolated runs in temp dir, moves files on success.
func (p *CommandProcessor) fetchIsolated(ctx context.Context, job *domain.Job, src domain.URLSource, obs domain.ProgressObserver) (domain.FetchResult, error) {
	tempDir, err := os.MkdirTemp("", fmt.Sprintf("downlee-job-%d-*", job.ID))
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("create temp dir: %w", err)
	}
	log.Printf("job %d: running isolated in %s", job.ID, tempDir)
	defer os.RemoveAll(tempDir)

	dest, err := p.run(ctx, job, tempDir, p.buildArgs(src, tempDir), obs)
	if err != nil {
		return domain.FetchResult{}, err
	}

	moved, err := moveFiles(job.ID, tempDir, p.targetDir)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("move files: %w", err)
	}
	final, size := mainFile(moved, filepath.Base(dest))
	return domain.FetchResult{FinalPath: final, FinalSize: size}, nil
}

// run executes the command in dir, streaming its output for progress. It
// returns the last destination file the output announced.
func (p *CommandProcessor) run(ctx context.Context, job *domain.Job, dir string, args []string, obs domain.ProgressObserver) (string, error) {
	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: start %s: %v", domain.ErrTransfer, p.command, err)
	}

	var dest string
	out := &tail{n: 20}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := scanner.Text()
		out.add(line)
		if pr, ok := parseProgressLine(line); ok {
			obs.OnProgress(pr)
			continue
		}
		if name, ok := parseDestination(line); ok {
			dest = name
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s failed: %v: %s", domain.ErrTransfer, p.command, err, out)
	}
	return dest, nil
}
