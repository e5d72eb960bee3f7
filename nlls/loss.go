package nlls

import "math"

// Loss reshapes a residual block's squared norm to bound outlier influence.
// Evaluate returns rho(s) and rho'(s) for s = ||r||^2.
type Loss interface {
	Evaluate(s float64) (rho, rhoPrime float64)
}

// TrivialLoss leaves the squared norm untouched.
type TrivialLoss struct{}

// Evaluate implements Loss.
func (TrivialLoss) Evaluate(s float64) (float64, float64) { return s, 1 }

// HuberLoss is quadratic up to scale and linear beyond it.
type HuberLoss struct {
	Scale float64
}

// NewHuberLoss returns a Huber loss with the given transition scale.
func NewHuberLoss(scale float64) HuberLoss {
	return HuberLoss{Scale: scale}
}

// Evaluate implements Loss.
func (l HuberLoss) Evaluate(s float64) (float64, float64) {
	a2 := l.Scale * l.Scale
	if s <= a2 {
		return s, 1
	}
	r := math.Sqrt(s)
	return 2*l.Scale*r - a2, l.Scale / r
}
