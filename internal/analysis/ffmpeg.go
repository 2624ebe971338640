package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// AnalysisSampleRate is the rate audio is decoded at for analysis.
const AnalysisSampleRate = 22050

// FFmpegLibrary implements Library with ffprobe for metadata and ffmpeg
// for decoding; tempo estimation runs on the decoded samples in process.
type FFmpegLibrary struct {
	FFprobe string
	FFmpeg  string
}

func NewFFmpegLibrary(ffprobe, ffmpeg string) *FFmpegLibrary {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &FFmpegLibrary{FFprobe: ffprobe, FFmpeg: ffmpeg}
}

func (l *FFmpegLibrary) MetadataDuration(ctx context.Context, path string) (float64, error) {
	result, err := Inspect(ctx, l.FFprobe, path)
	if err != nil {
		return 0, err
	}
	d := result.DurationSeconds()
	if d <= 0 {
		return 0, errors.New("no duration in metadata")
	}
	return d, nil
}

// DecodedDuration decodes the whole file and counts samples.
func (l *FFmpegLibrary) DecodedDuration(ctx context.Context, path string) (float64, error) {
	cmd := l.decodeCommand(ctx, path, 0)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errors.Wrap(err, "ffmpeg stdout")
	}
	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start ffmpeg")
	}
	n, copyErr := io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return 0, errors.Wrapf(err, "ffmpeg decode: %s", strings.TrimSpace(stderr.String()))
	}
	if copyErr != nil {
		return 0, errors.Wrap(copyErr, "read decoded audio")
	}
	samples := n / 2
	if samples == 0 {
		return 0, errors.New("decoded no audio")
	}
	return float64(samples) / AnalysisSampleRate, nil
}

func (l *FFmpegLibrary) BeatTrackTempo(ctx context.Context, path string) (float64, error) {
	samples, err := l.decode(ctx, path, TempoWindowSeconds)
	if err != nil {
		return 0, err
	}
	env := OnsetEnvelope(samples, AnalysisSampleRate)
	fps := FrameRate(AnalysisSampleRate)
	bpm, err := EstimateTempo(env, fps)
	if err != nil {
		return 0, err
	}
	beats, err := TrackBeats(env, fps, bpm)
	if err != nil {
		return 0, err
	}
	return BeatTempo(beats, fps)
}

func (l *FFmpegLibrary) OnsetTempo(ctx context.Context, path string) (float64, error) {
	samples, err := l.decode(ctx, path, TempoWindowSeconds)
	if err != nil {
		return 0, err
	}
	return EstimateTempo(OnsetEnvelope(samples, AnalysisSampleRate), FrameRate(AnalysisSampleRate))
}

// decode returns mono samples in [-1,1) at AnalysisSampleRate, limited to
// maxSeconds when positive.
func (l *FFmpegLibrary) decode(ctx context.Context, path string, maxSeconds float64) ([]float64, error) {
	cmd := l.decodeCommand(ctx, path, maxSeconds)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ffmpeg")
	}
	samples, readErr := readPCM(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, errors.Wrapf(err, "ffmpeg decode: %s", strings.TrimSpace(stderr.String()))
	}
	if readErr != nil {
		return nil, readErr
	}
	if len(samples) == 0 {
		return nil, errors.New("decoded no audio")
	}
	return samples, nil
}

func (l *FFmpegLibrary) decodeCommand(ctx context.Context, path string, maxSeconds float64) *exec.Cmd {
	args := []string{"-v", "error", "-nostdin", "-i", path}
	if maxSeconds > 0 {
		args = append(args, "-t", strconv.FormatFloat(maxSeconds, 'f', -1, 64))
	}
	args = append(args, "-f", "s16le", "-acodec", "pcm_s16le", "-ac", "1", "-ar", strconv.Itoa(AnalysisSampleRate), "-")
	return exec.CommandContext(ctx, l.FFmpeg, args...)
}

// readPCM reads signed 16-bit little-endian mono samples until EOF.
func readPCM(r io.Reader) ([]float64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var samples []float64
	var buf [2]byte
	for {
		_, err := io.ReadFull(br, buf[:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return samples, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read decoded audio")
		}
		v := int16(binary.LittleEndian.Uint16(buf[:]))
		samples = append(samples, float64(v)/32768)
	}
}
