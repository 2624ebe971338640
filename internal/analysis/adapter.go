// Package analysis estimates the duration and tempo of an audio file. Every
// estimate degrades to a fallback instead of failing.
package analysis

import (
	"context"
	"math"

	"go.uber.org/zap"
)

const (
	// DefaultDuration is used when no estimator produced a usable value.
	DefaultDuration = 180.0
	// MetadataCeiling is the metadata duration above which the decoded
	// length is checked as well.
	MetadataCeiling = 1800.0
	// TempoWindowSeconds bounds how much audio the tempo estimators decode.
	TempoWindowSeconds = 30.0
)

// Library is the audio analysis toolkit.
type Library interface {
	MetadataDuration(ctx context.Context, path string) (float64, error)
	DecodedDuration(ctx context.Context, path string) (float64, error)
	BeatTrackTempo(ctx context.Context, path string) (float64, error)
	OnsetTempo(ctx context.Context, path string) (float64, error)
}

// Prober reads the container duration with a command-line probe.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Adapter chains the estimators in order of preference.
type Adapter struct {
	lib    Library
	probe  Prober
	logger *zap.Logger
}

func NewAdapter(lib Library, probe Prober, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{lib: lib, probe: probe, logger: logger}
}

// Duration returns the duration of path in seconds. Metadata is trusted up
// to MetadataCeiling; above it, or when metadata is unreadable, the decoded
// length is used and the smaller of the two wins. The command-line probe
// comes next and DefaultDuration last.
func (a *Adapter) Duration(ctx context.Context, path string) float64 {
	log := a.logger.With(zap.String("path", path))

	meta, err := a.lib.MetadataDuration(ctx, path)
	metaOK := err == nil && validDuration(meta)
	if err != nil {
		log.Warn("metadata duration unavailable", zap.Error(err))
	}
	if metaOK && meta <= MetadataCeiling {
		return meta
	}

	decoded, err := a.lib.DecodedDuration(ctx, path)
	if err == nil && validDuration(decoded) {
		if metaOK {
			if decoded < meta {
				log.Info("metadata duration overstated, using decoded length",
					zap.Float64("metadata", meta), zap.Float64("decoded", decoded))
			}
			return math.Min(meta, decoded)
		}
		return decoded
	}
	if err != nil {
		log.Warn("decoded duration unavailable", zap.Error(err))
	}

	if a.probe != nil {
		probed, err := a.probe.ProbeDuration(ctx, path)
		if err == nil && validDuration(probed) {
			if metaOK {
				return math.Min(meta, probed)
			}
			return probed
		}
		log.Warn("probe duration unavailable", zap.Error(err))
	}

	if metaOK {
		return meta
	}
	log.Warn("using default duration", zap.Float64("seconds", DefaultDuration))
	return DefaultDuration
}

// Tempo returns the estimated tempo in whole BPM, or nil when neither
// estimator produced one.
func (a *Adapter) Tempo(ctx context.Context, path string) *int {
	log := a.logger.With(zap.String("path", path))

	bpm, err := a.lib.BeatTrackTempo(ctx, path)
	if err == nil && validTempo(bpm) {
		return roundBPM(bpm)
	}
	log.Warn("beat tracking tempo unavailable", zap.Error(err), zap.Float64("bpm", bpm))

	bpm, err = a.lib.OnsetTempo(ctx, path)
	if err == nil && validTempo(bpm) {
		return roundBPM(bpm)
	}
	log.Warn("onset tempo unavailable", zap.Error(err), zap.Float64("bpm", bpm))
	return nil
}

func validDuration(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validTempo(v float64) bool {
	return v >= 0.5 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func roundBPM(v float64) *int {
	n := int(math.Round(v))
	return &n
}
