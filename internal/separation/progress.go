package separation

import (
	"context"
	"math"
	"time"
)

const (
	progressStart = 20
	progressEnd   = 85

	minEstimate = 30 * time.Second
	minTimeout  = 600 * time.Second
	maxTimeout  = 1800 * time.Second
)

// EstimateProcessingTime is the expected separation wall time for audio of
// the given length in seconds: 40% of real time, at least 30 seconds.
func EstimateProcessingTime(duration float64) time.Duration {
	est := time.Duration(duration * 0.4 * float64(time.Second))
	return max(est, minEstimate)
}

// ProcessTimeout bounds the separation tool: 180 seconds per second of
// audio, clamped to between 10 and 30 minutes.
func ProcessTimeout(duration float64) time.Duration {
	if math.IsNaN(duration) || duration < 0 {
		duration = 0
	}
	secs := math.Min(180*duration, maxTimeout.Seconds())
	return min(max(time.Duration(secs*float64(time.Second)), minTimeout), maxTimeout)
}

// SimulatedProgress maps elapsed time against the estimate onto the 20-85%
// band with a stage label. The separation tool reports nothing while it
// runs, so this is an approximation.
func SimulatedProgress(elapsed, estimate time.Duration) (int, string) {
	ratio := 1.0
	if estimate > 0 {
		ratio = math.Min(float64(elapsed)/float64(estimate), 1)
	}
	if ratio < 0 {
		ratio = 0
	}
	progress := progressStart + int(float64(progressEnd-progressStart)*ratio)
	return progress, stageLabel(progress)
}

func stageLabel(progress int) string {
	switch {
	case progress < 30:
		return "Loading model..."
	case progress < 50:
		return "Separating vocals..."
	case progress < 65:
		return "Separating drums..."
	case progress < 80:
		return "Separating bass..."
	default:
		return "Finalizing separation..."
	}
}

// simulateProgress reports SimulatedProgress every interval until ctx is done.
func simulateProgress(ctx context.Context, interval, estimate time.Duration, now func() time.Time, report func(int, string)) {
	start := now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(SimulatedProgress(now().Sub(start), estimate))
		}
	}
}
