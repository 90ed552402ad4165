package vector

import (
	"fmt"
	"math"
)

// Metric is the similarity function of an index. Every metric scores higher for
// closer vectors.
type Metric string

const (
	// MetricCosine is the cosine of the angle between vectors, in [-1, 1].
	MetricCosine Metric = "cosine"
	// MetricDot is the raw inner product.
	MetricDot Metric = "dot"
	// MetricEuclidean maps L2 distance d to 1/(1+d), in (0, 1].
	MetricEuclidean Metric = "euclidean"
)

// ParseMetric validates a metric name. The empty string selects cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricDot, MetricEuclidean:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("unknown metric: %s (supported: cosine, dot, euclidean)", s)
	}
}

// InnerProduct returns the inner product of two vectors of equal length.
func InnerProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	return math.Sqrt(InnerProduct(x, x))
}

// score compares query q (with precomputed norm qn) against v (norm vn).
func (m Metric) score(q []float32, qn float64, v []float32, vn float64) float64 {
	switch m {
	case MetricDot:
		return InnerProduct(q, v)
	case MetricEuclidean:
		var sum float64
		for i := range q {
			d := float64(q[i]) - float64(v[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	default:
		if qn == 0 || vn == 0 {
			return 0
		}
		return InnerProduct(q, v) / (qn * vn)
	}
}
