package monitor

import (
	"math"
	"sort"
	"time"

	"github.com/anubissbe/runnerhub/pkg/types"
)

// samplePoint is one value recorded against a tracked series at a point in
// time.
type samplePoint struct {
	at    time.Time
	value float64
}

// seriesCap bounds every tracked series.
const seriesCap = 1000

// series is a bounded FIFO of samples with rolling-window aggregation and
// the statistics anomaly detection and prediction need.
type series struct {
	points []samplePoint
}

func (s *series) add(at time.Time, v float64) {
	s.points = append(s.points, samplePoint{at: at, value: v})
	if len(s.points) > seriesCap {
		s.points = s.points[len(s.points)-seriesCap:]
	}
}

func (s *series) since(d time.Duration, now time.Time) []samplePoint {
	cutoff := now.Add(-d)
	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].at.Before(cutoff)
	})
	return s.points[i:]
}

func aggregate(points []samplePoint) types.AggregatedWindow {
	if len(points) == 0 {
		return types.AggregatedWindow{}
	}
	values := make([]float64, len(points))
	var sum float64
	min, max := math.Inf(1), math.Inf(-1)
	for i, p := range points {
		values[i] = p.value
		sum += p.value
		if p.value < min {
			min = p.value
		}
		if p.value > max {
			max = p.value
		}
	}
	sort.Float64s(values)
	return types.AggregatedWindow{
		Avg:   sum / float64(len(values)),
		Min:   min,
		Max:   max,
		P95:   percentile(values, 0.95),
		Count: len(values),
	}
}

// percentile expects values sorted ascending.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *series) latest() (float64, bool) {
	if len(s.points) == 0 {
		return 0, false
	}
	return s.points[len(s.points)-1].value, true
}

func (s *series) mean() float64 {
	if len(s.points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s.points {
		sum += p.value
	}
	return sum / float64(len(s.points))
}

func (s *series) stddev(mean float64) float64 {
	if len(s.points) < 2 {
		return 0
	}
	var sumSq float64
	for _, p := range s.points {
		d := p.value - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(s.points)))
}

// olsSlope fits a least-squares line over the last n points (x = sample
// index) and returns the slope.
func olsSlope(points []samplePoint) float64 {
	n := float64(len(points))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.value
		sumXY += x * p.value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
