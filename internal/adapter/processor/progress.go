package processor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cwygoda/downlee/internal/domain"
	"github.com/dustin/go-humanize"
)

var (
	// [download]  45.2% of ~  85.48MiB at  831.64KiB/s ETA 01:01 (frag 101/247)
	reDownload    = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%\s+of\s+~?\s*([0-9.]+\s*[KMGT]?i?B)`)
	reSpeed       = regexp.MustCompile(`\bat\s+([0-9.]+\s*[KMGT]?i?B)/s`)
	reDestination = regexp.MustCompile(`^\[(?:download|Merger|ExtractAudio)\](?: Destination:| Merging formats into) "?(.+?)"?$`)
)

// parseProgressLine extracts a progress report from one yt-dlp style line.
func parseProgressLine(line string) (domain.Progress, bool) {
	m := reDownload.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return domain.Progress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return domain.Progress{}, false
	}
	total, err := humanize.ParseBytes(m[2])
	if err != nil {
		return domain.Progress{}, false
	}

	p := domain.Progress{
		Total:      int64(total),
		Downloaded: int64(float64(total) * pct / 100),
	}
	if s := reSpeed.FindStringSubmatch(line); s != nil {
		if speed, err := humanize.ParseBytes(s[1]); err == nil {
			p.Speed = float64(speed)
		}
	}
	return p, true
}

// parseDestination returns the output file named by a yt-dlp line.
func parseDestination(line string) (string, bool) {
	m := reDestination.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// splitByNewlineOrCR is a bufio.SplitFunc that also breaks on carriage
// returns, which progress bars use to redraw a line.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n lines of command output for error messages.
type tail struct {
	n     int
	lines []string
}

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	return strings.Join(t.lines, "\n")
}
