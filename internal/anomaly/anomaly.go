// Package anomaly scores trips with an isolation forest fitted on the batch
// population and explains each score with the features that deviate most.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/trip"
)

// ErrEmptyPopulation is returned when fitting on no vectors.
var ErrEmptyPopulation = errors.New("cannot fit on an empty population")

// Severity is the thresholded label of an anomaly score.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank orders severities LOW < MEDIUM < HIGH.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts LOW, MEDIUM or HIGH.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Contributing factor names.
const (
	FactorImplausibleSpeed = "implausible_speed"
	FactorLongDuration     = "long_duration"
	FactorShortDuration    = "short_duration"
	FactorLongDistance     = "long_distance"
	FactorShortDistance    = "short_distance"
	FactorHighSpeed        = "high_speed"
	FactorLowSpeed         = "low_speed"
	FactorIndirectRoute    = "indirect_route"
)

// AnomalyRecord is the score of one trip.
type AnomalyRecord struct {
	TripID string `json:"tripId"`

	// Score is the raw score min-max normalized over the fitted population.
	Score float64 `json:"score"`

	// RawScore is the isolation forest score in (0,1].
	RawScore float64 `json:"rawScore"`

	Severity Severity `json:"severity"`

	// IsAnomaly marks trips inside the top contamination fraction.
	IsAnomaly bool `json:"isAnomaly"`

	ContributingFactors []string `json:"contributingFactors"`
}

// FitConfig configures Fit.
type FitConfig struct {
	// Contamination is the expected anomaly fraction, in (0, 0.5].
	Contamination float64

	// Trees is the forest size. Default: 100.
	Trees int

	// SampleSize is the per-tree subsample. Default: 256.
	SampleSize int

	Seed uint64

	Thresholds config.SeverityThresholds

	// IQRMultiplier is the deviation, in IQRs from the median, above which a
	// feature is a contributing factor. Default: 1.5.
	IQRMultiplier float64
}

// FitConfigFrom extracts the scorer settings from the analysis config.
func FitConfigFrom(cfg config.Config) FitConfig {
	return FitConfig{
		Contamination: cfg.IsolationContamination,
		Trees:         cfg.IsolationTrees,
		SampleSize:    cfg.IsolationSampleSize,
		Seed:          cfg.RandomSeed,
		Thresholds:    cfg.SeverityThresholds,
		IQRMultiplier: cfg.FactorIQRMultiplier,
	}
}

func (c *FitConfig) validate() error {
	d := config.Default()
	if c.Trees <= 0 {
		c.Trees = d.IsolationTrees
	}
	if c.SampleSize <= 0 {
		c.SampleSize = d.IsolationSampleSize
	}
	if c.IQRMultiplier <= 0 {
		c.IQRMultiplier = d.FactorIQRMultiplier
	}
	if !(c.Contamination > 0 && c.Contamination <= 0.5) {
		return &config.ConfigurationError{
			Field:  "isolation_contamination",
			Reason: fmt.Sprintf("must be in (0,0.5], got %v", c.Contamination),
		}
	}
	t := c.Thresholds
	if t.Medium < 0 || t.High > 1 || t.High <= t.Medium {
		return &config.ConfigurationError{
			Field:  "severity_thresholds",
			Reason: fmt.Sprintf("need 0 <= medium < high <= 1, got (%v, %v)", t.Medium, t.High),
		}
	}
	return nil
}

// feature indices
const (
	featDuration = iota
	featDistance
	featSpeed
	featRatio
	numFeatures
)

func features(v trip.FeatureVector) []float64 {
	return []float64{v.DurationS, v.DistanceM, v.AvgSpeedMPS, v.StraightLineRatio}
}

// Model is a fitted scorer. It is immutable and safe for concurrent use.
// Models are not incremental: fit a new one for a new population.
type Model struct {
	forest *forest

	median [numFeatures]float64
	iqr    [numFeatures]float64

	minRaw, maxRaw float64
	cut            float64

	thresholds config.SeverityThresholds
	multiplier float64
	size       int
}

// Fit trains a model on the population.
func Fit(vectors []trip.FeatureVector, cfg FitConfig) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, ErrEmptyPopulation
	}

	data := make([][]float64, len(vectors))
	for i, v := range vectors {
		data[i] = features(v)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	m := &Model{
		forest:     growForest(data, cfg.Trees, cfg.SampleSize, rng),
		thresholds: cfg.Thresholds,
		multiplier: cfg.IQRMultiplier,
		size:       len(vectors),
	}

	col := make([]float64, len(data))
	for f := 0; f < numFeatures; f++ {
		for i, row := range data {
			col[i] = row[f]
		}
		sort.Float64s(col)
		m.median[f] = stat.Quantile(0.5, stat.LinInterp, col, nil)
		m.iqr[f] = stat.Quantile(0.75, stat.LinInterp, col, nil) - stat.Quantile(0.25, stat.LinInterp, col, nil)
	}

	raw := make([]float64, len(data))
	for i, row := range data {
		raw[i] = m.forest.score(row)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(raw)))
	m.maxRaw, m.minRaw = raw[0], raw[len(raw)-1]

	if m.maxRaw > m.minRaw {
		top := int(math.Floor(cfg.Contamination * float64(len(raw))))
		if top < 1 {
			top = 1
		}
		m.cut = raw[top-1]
	} else {
		// Indistinguishable population: nothing stands out.
		m.cut = math.Inf(1)
	}

	return m, nil
}

// Size returns the number of vectors the model was fitted on.
func (m *Model) Size() int {
	return m.size
}

// Score scores one vector against the fitted population.
func (m *Model) Score(v trip.FeatureVector) AnomalyRecord {
	x := features(v)
	raw := m.forest.score(x)

	norm := 0.0
	if m.maxRaw > m.minRaw {
		norm = (raw - m.minRaw) / (m.maxRaw - m.minRaw)
		norm = math.Max(0, math.Min(1, norm))
	}

	inTop := raw >= m.cut
	sev := SeverityLow
	switch {
	case norm >= m.thresholds.High && inTop:
		sev = SeverityHigh
	case norm >= m.thresholds.Medium:
		sev = SeverityMedium
	}

	return AnomalyRecord{
		TripID:              v.TripID,
		Score:               norm,
		RawScore:            raw,
		Severity:            sev,
		IsAnomaly:           inTop,
		ContributingFactors: m.factors(v, x),
	}
}

type deviation struct {
	name  string
	value float64
}

// factors lists the features whose distance from the population median
// exceeds the multiplier in IQRs, largest deviation first.
func (m *Model) factors(v trip.FeatureVector, x []float64) []string {
	var devs []deviation
	add := func(f int, above, below string) {
		d := x[f] - m.median[f]
		var dev float64
		switch {
		case d == 0:
			return
		case m.iqr[f] == 0:
			dev = math.Inf(1)
		default:
			dev = math.Abs(d) / m.iqr[f]
		}
		if dev <= m.multiplier {
			return
		}
		name := below
		if d > 0 {
			name = above
		}
		if name == "" {
			return
		}
		devs = append(devs, deviation{name: name, value: dev})
	}

	add(featDuration, FactorLongDuration, FactorShortDuration)
	add(featDistance, FactorLongDistance, FactorShortDistance)
	add(featSpeed, FactorHighSpeed, FactorLowSpeed)
	// A more direct route than usual is not suspicious.
	add(featRatio, "", FactorIndirectRoute)

	sort.SliceStable(devs, func(i, j int) bool { return devs[i].value > devs[j].value })

	out := make([]string, 0, len(devs)+1)
	if v.ImplausibleSpeed {
		out = append(out, FactorImplausibleSpeed)
	}
	for _, d := range devs {
		out = append(out, d.name)
	}
	return out
}
