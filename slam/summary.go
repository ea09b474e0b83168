package slam

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/smartslam/smartfactor"
)

var statusOrder = []smartfactor.TriangulationStatus{
	smartfactor.Valid,
	smartfactor.Degenerate,
	smartfactor.BehindCamera,
	smartfactor.FarPoint,
	smartfactor.Outlier,
}

// Summary describes a problem evaluated at its current estimate.
type Summary struct {
	Factors      int
	Observations int
	// Active counts the factors that produced a linear factor.
	Active     int
	Statuses   map[smartfactor.TriangulationStatus]int
	TotalError float64
	// RMS holds the pixel RMS reprojection error of every valid factor.
	RMS       []float64
	MedianRMS float64
	P90RMS    float64
	// LandmarkErrors holds the distance from truth of every valid landmark that has one.
	LandmarkErrors    []float64
	MeanLandmarkError float64
	Stats             smartfactor.FactorStats
}

// Summarize evaluates and linearizes every factor of the problem at its current estimate.
func Summarize(ctx context.Context, problem *Problem) (*Summary, error) {
	total, err := problem.Graph.Error(ctx, problem.Values)
	if err != nil {
		return nil, err
	}
	linear, err := problem.Graph.Linearize(ctx, problem.Values)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Factors:    len(problem.Factors),
		Active:     linear.Len(),
		Statuses:   map[smartfactor.TriangulationStatus]int{},
		TotalError: total,
	}
	for i, f := range problem.Factors {
		s.Observations += f.Size()
		st := f.Stats()
		s.Stats.Triangulations += st.Triangulations
		s.Stats.Linearizations += st.Linearizations
		s.Stats.CacheHits += st.CacheHits

		result := f.Result()
		s.Statuses[result.Status]++
		if result.Status != smartfactor.Valid {
			continue
		}
		errs, err := f.ReprojectionErrorAfterTriangulation(problem.Values)
		if err != nil {
			return nil, errors.Wrapf(err, "landmark %q", problem.Landmarks[i])
		}
		s.RMS = append(s.RMS, math.Sqrt(2*meanSquare(errs.RawVector().Data)))
		if truth, ok := problem.Truth[problem.Landmarks[i]]; ok {
			s.LandmarkErrors = append(s.LandmarkErrors, result.Point.Sub(truth).Norm())
		}
	}

	if len(s.RMS) > 0 {
		if s.MedianRMS, err = stats.Median(s.RMS); err != nil {
			return nil, err
		}
		if s.P90RMS, err = stats.Percentile(s.RMS, 90); err != nil {
			return nil, err
		}
	}
	if len(s.LandmarkErrors) > 0 {
		if s.MeanLandmarkError, err = stats.Mean(s.LandmarkErrors); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// meanSquare is the mean of the squared entries of v.
func meanSquare(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return lo.SumBy(v, func(x float64) float64 { return x * x }) / float64(len(v))
}

// String renders the summary as a table.
func (s *Summary) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"factors", s.Factors})
	t.AppendRow(table.Row{"observations", s.Observations})
	t.AppendRow(table.Row{"active", s.Active})
	for _, status := range statusOrder {
		t.AppendRow(table.Row{"status " + status.String(), s.Statuses[status]})
	}
	t.AppendRow(table.Row{"total error", fmt.Sprintf("%.6g", s.TotalError)})
	t.AppendRow(table.Row{"median rms [px]", fmt.Sprintf("%.4f", s.MedianRMS)})
	t.AppendRow(table.Row{"p90 rms [px]", fmt.Sprintf("%.4f", s.P90RMS)})
	if len(s.LandmarkErrors) > 0 {
		t.AppendRow(table.Row{"mean landmark error", fmt.Sprintf("%.4g", s.MeanLandmarkError)})
	}
	t.AppendRow(table.Row{"triangulations", s.Stats.Triangulations})
	t.AppendRow(table.Row{"linearizations", s.Stats.Linearizations})
	t.AppendRow(table.Row{"cache hits", s.Stats.CacheHits})
	return t.Render()
}

// StatusLine is a one line form of the status counts, e.g. "valid=10 outlier=2".
func (s *Summary) StatusLine() string {
	parts := make([]string, 0, len(statusOrder))
	for _, status := range statusOrder {
		if n := s.Statuses[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	return strings.Join(parts, " ")
}

// SaveHistogram draws the distribution of per factor RMS reprojection errors to path. The image
// format follows the file extension.
func (s *Summary) SaveHistogram(path, title string) error {
	if len(s.RMS) == 0 {
		return errors.New("no valid factors to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "RMS reprojection error [px]"
	p.Y.Label.Text = "factors"
	bins := lo.Clamp(len(s.RMS)/4, 1, 40)
	hist, err := plotter.NewHist(plotter.Values(s.RMS), bins)
	if err != nil {
		return err
	}
	p.Add(hist)
	return errors.Wrapf(p.Save(8*vg.Inch, 5*vg.Inch, path), "cannot save histogram %q", path)
}
