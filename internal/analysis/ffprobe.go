package analysis

import (
	"context"
	"encoding/json"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ProbeResult is the subset of ffprobe JSON output the service reads.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

type ProbeStream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	Duration   string `json:"duration"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type ProbeFormat struct {
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

// Inspect runs ffprobe against path and decodes its JSON report.
func Inspect(ctx context.Context, binary, path string) (ProbeResult, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return ProbeResult{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		return ProbeResult{}, errors.Wrapf(err, "ffprobe inspect: %s", stderrOf(err))
	}
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return ProbeResult{}, errors.Wrap(err, "ffprobe parse")
	}
	return result, nil
}

// DurationSeconds is the container duration, or the longest audio stream
// when the container does not report one. It returns 0 when neither exists.
func (r ProbeResult) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d > 0 {
		return d
	}
	longest := 0.0
	for _, s := range r.Streams {
		if !strings.EqualFold(s.CodecType, "audio") {
			continue
		}
		if d := parseFloat(s.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || cleaned == "N/A" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) {
		return 0
	}
	return parsed
}

// CLIProber asks ffprobe for nothing but the container duration.
type CLIProber struct {
	Binary  string
	Timeout time.Duration
}

func NewCLIProber(binary string) *CLIProber {
	return &CLIProber{Binary: binary, Timeout: 10 * time.Second}
}

func (p *CLIProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	binary := p.Binary
	if binary == "" {
		binary = "ffprobe"
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, binary, "-v", "quiet", "-show_entries", "format=duration", "-of", "csv=p=0", path).Output()
	if err != nil {
		return 0, errors.Wrap(err, "ffprobe duration")
	}
	d := parseFloat(string(out))
	if d <= 0 {
		return 0, errors.Newf("ffprobe duration: unusable output %q", strings.TrimSpace(string(out)))
	}
	return d, nil
}

func stderrOf(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return ""
}
