package main

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

var (
	// ErrConstantInput indicates a correlation over a series with no
	// variance, where the coefficient is undefined.
	ErrConstantInput = errors.New("correlation undefined for constant input")

	// ErrLengthMismatch indicates series of different lengths.
	ErrLengthMismatch = errors.New("series lengths differ")
)

func checkSeries(x, y []float64) error {
	if len(x) != len(y) {
		return errors.Wrapf(ErrLengthMismatch, "%d vs %d", len(x), len(y))
	}
	if len(x) < 2 || isConstant(x) || isConstant(y) {
		return ErrConstantInput
	}
	return nil
}

func isConstant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}

// Pearson returns the Pearson correlation coefficient of x and y.
func Pearson(x, y []float64) (float64, error) {
	if err := checkSeries(x, y); err != nil {
		return math.NaN(), err
	}
	r, err := stats.Pearson(x, y)
	if err != nil {
		return math.NaN(), errors.Wrap(err, "pearson")
	}
	return r, nil
}

// Spearman returns the rank correlation of x and y (Pearson over average
// ranks, so ties are handled).
func Spearman(x, y []float64) (float64, error) {
	if err := checkSeries(x, y); err != nil {
		return math.NaN(), err
	}
	return Pearson(averageRanks(x), averageRanks(y))
}

// averageRanks assigns 1-based ranks, giving tied values their mean rank.
func averageRanks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })

	ranks := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// Kendall returns Kendall's tau-b, which corrects for ties in either series.
func Kendall(x, y []float64) (float64, error) {
	if err := checkSeries(x, y); err != nil {
		return math.NaN(), err
	}

	var concordant, discordant, tiesX, tiesY float64
	for i := 0; i < len(x); i++ {
		for j := i + 1; j < len(x); j++ {
			dx := x[i] - x[j]
			dy := y[i] - y[j]
			switch {
			case dx == 0 && dy == 0:
			case dx == 0:
				tiesX++
			case dy == 0:
				tiesY++
			case (dx > 0) == (dy > 0):
				concordant++
			default:
				discordant++
			}
		}
	}

	denom := math.Sqrt((concordant + discordant + tiesX) * (concordant + discordant + tiesY))
	if denom == 0 {
		return math.NaN(), ErrConstantInput
	}
	return (concordant - discordant) / denom, nil
}

// RegressionMetrics summarizes predictions against targets.
type RegressionMetrics struct {
	MSE      float64
	Pearson  float64
	Spearman float64
	Kendall  float64
}

// ComputeRegressionMetrics scores predictions. Correlations that are
// undefined (constant predictions) are reported as NaN rather than failing.
func ComputeRegressionMetrics(preds, targets []float64) (RegressionMetrics, error) {
	if len(preds) != len(targets) {
		return RegressionMetrics{}, errors.Wrapf(ErrLengthMismatch, "%d predictions, %d targets", len(preds), len(targets))
	}
	if len(preds) == 0 {
		return RegressionMetrics{}, ErrEmptyBatch
	}

	m := RegressionMetrics{MSE: MSELoss(preds, targets)}
	var err error
	if m.Pearson, err = Pearson(preds, targets); err != nil && errors.Cause(err) != ErrConstantInput {
		return m, err
	}
	if m.Spearman, err = Spearman(preds, targets); err != nil && errors.Cause(err) != ErrConstantInput {
		return m, err
	}
	if m.Kendall, err = Kendall(preds, targets); err != nil && errors.Cause(err) != ErrConstantInput {
		return m, err
	}
	return m, nil
}

// Map returns the metrics keyed the way they are logged and stored.
func (m RegressionMetrics) Map(prefix string) map[string]float64 {
	return map[string]float64{
		prefix + "loss":     m.MSE,
		prefix + "pearson":  m.Pearson,
		prefix + "spearman": m.Spearman,
		prefix + "kendall":  m.Kendall,
	}
}
