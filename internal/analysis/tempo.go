package analysis

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

const (
	frameLength = 2048
	hopLength   = 512

	minBPM   = 30.0
	maxBPM   = 300.0
	priorBPM = 120.0

	// log-energy floor relative to the loudest frame, in dB
	topDB = 80.0
	// smoothing applied to the onset envelope, in frames
	smoothSigma = 1.5
	// penalty on beat spacing that deviates from the tempo period
	tightness = 100.0
	minBeats  = 4
	// highest multiple of the beat period used to sharpen the estimate
	maxPeriodMultiple = 4
)

// ErrNoTempo is returned when the signal carries no periodic onsets.
var ErrNoTempo = errors.New("no tempo found")

// FrameRate is the number of onset envelope frames per second.
func FrameRate(sampleRate int) float64 {
	return float64(sampleRate) / hopLength
}

// OnsetEnvelope measures how sharply frame log-energy rises, one value per
// hop. The result is smoothed with a short Gaussian so that onsets falling
// between frames still line up.
func OnsetEnvelope(samples []float64, sampleRate int) []float64 {
	if len(samples) < frameLength {
		return nil
	}
	n := 1 + (len(samples)-frameLength)/hopLength
	logEnergy := make([]float64, n)
	peak := math.Inf(-1)
	for i := 0; i < n; i++ {
		start := i * hopLength
		sum := 0.0
		for _, s := range samples[start : start+frameLength] {
			sum += s * s
		}
		db := 10 * math.Log10(sum/frameLength+1e-10)
		logEnergy[i] = db
		peak = math.Max(peak, db)
	}
	floor := peak - topDB
	env := make([]float64, n)
	for i := 1; i < n; i++ {
		rise := math.Max(logEnergy[i], floor) - math.Max(logEnergy[i-1], floor)
		if rise > 0 {
			env[i] = rise
		}
	}
	return smooth(env, smoothSigma)
}

func smooth(x []float64, sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	total := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-0.5 * d * d / (sigma * sigma))
		total += kernel[i]
	}
	out := make([]float64, len(x))
	for i := range x {
		acc := 0.0
		for k, w := range kernel {
			j := i + k - radius
			if j >= 0 && j < len(x) {
				acc += w * x[j]
			}
		}
		out[i] = acc / total
	}
	return out
}

// EstimateTempo picks the autocorrelation lag of env that best matches a
// log-normal prior around 120 BPM and refines it between frames.
func EstimateTempo(env []float64, fps float64) (float64, error) {
	minLag := int(math.Floor(60 * fps / maxBPM))
	maxLag := int(math.Ceil(60 * fps / minBPM))
	if minLag < 1 {
		minLag = 1
	}
	if len(env) < 4*minLag || len(env) < 8 {
		return 0, errors.Wrap(ErrNoTempo, "signal too short")
	}
	if maxLag > len(env)/2 {
		maxLag = len(env) / 2
	}

	mean := 0.0
	for _, v := range env {
		mean += v
	}
	mean /= float64(len(env))
	x := make([]float64, len(env))
	energy := 0.0
	for i, v := range env {
		x[i] = v - mean
		energy += x[i] * x[i]
	}
	if energy < 1e-12 {
		return 0, errors.Wrap(ErrNoTempo, "flat onset envelope")
	}

	ac := make([]float64, maxLag+2)
	for lag := max(minLag-1, 1); lag <= maxLag+1 && lag < len(x); lag++ {
		ac[lag] = autocorr(x, lag, energy)
	}

	best, bestScore := -1, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		if ac[lag] <= 0 {
			continue
		}
		score := ac[lag] * tempoPrior(60*fps/float64(lag))
		if score > bestScore {
			best, bestScore = lag, score
		}
	}
	if best < 0 {
		return 0, errors.Wrap(ErrNoTempo, "no periodic onsets")
	}

	return 60 * fps / refineLag(x, energy, best), nil
}

func autocorr(x []float64, lag int, energy float64) float64 {
	sum := 0.0
	for t := 0; t+lag < len(x); t++ {
		sum += x[t] * x[t+lag]
	}
	return sum / energy
}

// refineLag turns the whole-frame lag picked under the prior into a
// fractional period. The prior may favour a neighbour of the raw peak, so
// the search climbs to the nearest raw maximum first; the estimate is then
// sharpened at multiples of the period, where one frame is a smaller share
// of the lag.
func refineLag(x []float64, energy float64, lag int) float64 {
	period, ok := peakNear(x, energy, float64(lag), 1)
	if !ok {
		return float64(lag)
	}
	for k := 2; k <= maxPeriodMultiple; k++ {
		if int(math.Ceil(float64(k)*period))+3 >= len(x)/2 {
			break
		}
		peak, ok := peakNear(x, energy, float64(k)*period, 2)
		if !ok {
			break
		}
		period = peak / float64(k)
	}
	return period
}

// peakNear returns the parabolic vertex of the largest autocorrelation
// value within radius frames of center.
func peakNear(x []float64, energy, center float64, radius int) (float64, bool) {
	c := int(math.Round(center))
	lo, hi := max(c-radius, 1), c+radius
	if hi+1 >= len(x) {
		return 0, false
	}
	values := make(map[int]float64, hi-lo+3)
	at := func(lag int) float64 {
		v, ok := values[lag]
		if !ok {
			v = autocorr(x, lag, energy)
			values[lag] = v
		}
		return v
	}

	best := lo
	for lag := lo + 1; lag <= hi; lag++ {
		if at(lag) > at(best) {
			best = lag
		}
	}
	// climb past the window edge while the raw curve still rises
	for best == lo && best > 1 && at(best-1) > at(best) {
		best--
		lo = best
	}
	for best == hi && best+2 < len(x) && at(best+1) > at(best) {
		best++
		hi = best
	}
	if at(best) <= 0 {
		return 0, false
	}

	if best-1 < 1 {
		return float64(best), true
	}
	a, b, cc := at(best-1), at(best), at(best+1)
	if denom := a - 2*b + cc; denom < 0 {
		if delta := 0.5 * (a - cc) / denom; math.Abs(delta) <= 0.5 {
			return float64(best) + delta, true
		}
	}
	return float64(best), true
}

func tempoPrior(bpm float64) float64 {
	octaves := math.Log2(bpm / priorBPM)
	return math.Exp(-0.5 * octaves * octaves)
}

// TrackBeats places beats on env by dynamic programming: each beat is
// rewarded by the onset strength under it and penalised by how far its
// distance to the previous beat strays from the tempo period.
func TrackBeats(env []float64, fps, bpm float64) ([]int, error) {
	if bpm <= 0 || len(env) == 0 {
		return nil, errors.Wrap(ErrNoTempo, "no tempo to track")
	}
	period := 60 * fps / bpm
	if period < 1 || float64(len(env)) < 2*period {
		return nil, errors.Wrap(ErrNoTempo, "signal too short for beat tracking")
	}

	local := normalizeStd(env)
	if local == nil {
		return nil, errors.Wrap(ErrNoTempo, "flat onset envelope")
	}

	n := len(local)
	score := make([]float64, n)
	back := make([]int, n)
	lo := int(math.Round(period / 2))
	hi := int(math.Round(2 * period))
	for t := 0; t < n; t++ {
		bestPrev, bestVal := -1, math.Inf(-1)
		for tau := t - hi; tau <= t-lo; tau++ {
			if tau < 0 {
				continue
			}
			dev := math.Log(float64(t-tau) / period)
			v := score[tau] - tightness*dev*dev
			if v > bestVal {
				bestPrev, bestVal = tau, v
			}
		}
		if bestPrev >= 0 && bestVal > 0 {
			score[t] = local[t] + bestVal
			back[t] = bestPrev
		} else {
			score[t] = local[t]
			back[t] = -1
		}
	}

	last := n - 1
	for t := max(0, n-int(math.Ceil(period))); t < n; t++ {
		if score[t] > score[last] {
			last = t
		}
	}
	var beats []int
	for t := last; t >= 0; t = back[t] {
		beats = append(beats, t)
	}
	for i, j := 0, len(beats)-1; i < j; i, j = i+1, j-1 {
		beats[i], beats[j] = beats[j], beats[i]
	}
	return trimWeakBeats(beats, local), nil
}

// trimWeakBeats drops leading and trailing beats that sit on less than half
// the median onset strength of all beats.
func trimWeakBeats(beats []int, local []float64) []int {
	if len(beats) < 3 {
		return beats
	}
	strengths := make([]float64, len(beats))
	for i, b := range beats {
		strengths[i] = local[b]
	}
	sorted := append([]float64(nil), strengths...)
	sort.Float64s(sorted)
	threshold := 0.5 * sorted[len(sorted)/2]

	start, end := 0, len(beats)
	for start < end && strengths[start] < threshold {
		start++
	}
	for end > start && strengths[end-1] < threshold {
		end--
	}
	return beats[start:end]
}

func normalizeStd(x []float64) []float64 {
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	variance := 0.0
	for _, v := range x {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(x)))
	if std < 1e-12 {
		return nil
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v / std
	}
	return out
}

// BeatTempo converts tracked beat frames into BPM from their mean spacing.
func BeatTempo(beats []int, fps float64) (float64, error) {
	if len(beats) < minBeats {
		return 0, errors.Wrapf(ErrNoTempo, "only %d beats tracked", len(beats))
	}
	span := beats[len(beats)-1] - beats[0]
	if span <= 0 {
		return 0, errors.Wrap(ErrNoTempo, "beats do not advance")
	}
	interval := float64(span) / float64(len(beats)-1)
	return 60 * fps / interval, nil
}
