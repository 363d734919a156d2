package grid

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

// SeriesQuery selects a time series at a single map position.
type SeriesQuery struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	StartYear int     `json:"startYear"`
	EndYear   int     `json:"endYear"`
	Index     string  `json:"index"`
	Group     string  `json:"group,omitempty"`
	Scenario  string  `json:"scenario"`
	Model     string  `json:"model"`
	EnvParam  string  `json:"envParam"`
	Source    string  `json:"source"`
}

// Validate checks the required parameters.
func (q SeriesQuery) Validate() error {
	switch {
	case q.Index == "":
		return errors.New("missing index")
	case q.Scenario == "":
		return errors.New("missing scenario")
	case q.Model == "":
		return errors.New("missing model")
	case q.EndYear < q.StartYear:
		return errors.New("endYear before startYear")
	}
	return nil
}

// Series is one line of a time-series plot.
type Series struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// TimeSeries holds, in order, the metric, the environmental parameter and
// their trend lines.
type TimeSeries struct {
	Data []Series `json:"data"`
}

// Trend fits y = a + b*x to s and evaluates it at every x of s. Fewer than
// two points give an empty series.
func (s Series) Trend() Series {
	out := Series{X: []float64{}, Y: []float64{}}
	if len(s.X) < 2 || len(s.X) != len(s.Y) {
		return out
	}
	alpha, beta := stat.LinearRegression(s.X, s.Y, nil, false)
	if !Valid(alpha) || !Valid(beta) {
		return out
	}
	for _, x := range s.X {
		out.X = append(out.X, x)
		out.Y = append(out.Y, alpha+beta*x)
	}
	return out
}

// WithTrends returns the metric and environmental series followed by their
// trend lines.
func WithTrends(metric, env Series) *TimeSeries {
	return &TimeSeries{Data: []Series{metric, env, metric.Trend(), env.Trend()}}
}
