package metric

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// IgnoreLabel is the target value excluded from losses and metrics.
const IgnoreLabel int64 = 255

// Criterion computes a scalar loss from logits [N, C, H, W] and integer
// labels [N, H, W].
type Criterion interface {
	Loss(logits, target *ts.Tensor) *ts.Tensor
}

// Reduction modes of libtorch losses.
const (
	ReductionNone int64 = 0
	ReductionMean int64 = 1
	ReductionSum  int64 = 2
)

// CrossEntropy is a per-pixel softmax cross entropy loss.
type CrossEntropy struct {
	IgnoreIndex int64
	Reduction   int64
}

// NewCrossEntropy creates CrossEntropy with mean reduction ignoring IgnoreLabel.
func NewCrossEntropy() *CrossEntropy {
	return &CrossEntropy{IgnoreIndex: IgnoreLabel, Reduction: ReductionMean}
}

// Loss implements Criterion.
func (c *CrossEntropy) Loss(logits, target *ts.Tensor) *ts.Tensor {
	logp := logits.MustLogSoftmax(1, gotch.Float, false)
	labels := target.MustTotype(gotch.Int64, false)

	// NOTE: weight undefined = uniform class weights.
	loss := logp.MustNllLoss2d(labels, ts.NewTensor(), c.Reduction, c.IgnoreIndex, true)
	labels.MustDrop()

	return loss
}
