package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// ClassifierHead is a channel dropout followed by a 1x1 convolution
// mapping features to per-pixel class logits.
type ClassifierHead struct {
	Dropout float64
	Conv    *nn.Conv2D
}

// NewClassifierHead creates ClassifierHead. The conv is placed at `p/1`
// (index 0 is the parameterless dropout).
func NewClassifierHead(p *nn.Path, cIn, classes int64, dropout float64) *ClassifierHead {
	return &ClassifierHead{
		Dropout: dropout,
		Conv:    Conv2d(p.Sub("1"), cIn, classes, 1, 0, 1),
	}
}

// ForwardT implements ts.ModuleT for ClassifierHead.
func (h *ClassifierHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	d := dropout2d(x, h.Dropout, train)
	logits := h.Conv.ForwardT(d, train)
	d.MustDrop()

	return logits
}

// Params implements ParamLister.
func (h *ClassifierHead) Params() []Param {
	return Prefix("1", ConvParams(h.Conv))
}

// AuxHead is the auxiliary classifier used on intermediate backbone features
// during training: 3x3 conv + norm + ReLU + channel dropout + 1x1 conv.
type AuxHead struct {
	Features *ConvBnRelu
	Dropout  float64
	Conv     *nn.Conv2D
}

// NewAuxHead creates AuxHead.
func NewAuxHead(p *nn.Path, cIn, cMid, classes int64, dropout float64, norm NormFunc) *AuxHead {
	return &AuxHead{
		Features: NewConvBnRelu(p, "0", "1", cIn, cMid, 3, 1, norm),
		Dropout:  dropout,
		Conv:     Conv2d(p.Sub("4"), cMid, classes, 1, 0, 1),
	}
}

// ForwardT implements ts.ModuleT for AuxHead.
func (h *AuxHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	f := h.Features.ForwardT(x, train)
	d := dropout2d(f, h.Dropout, train)
	f.MustDrop()
	logits := h.Conv.ForwardT(d, train)
	d.MustDrop()

	return logits
}

// Params implements ParamLister.
func (h *AuxHead) Params() []Param {
	return append(h.Features.Params(), Prefix("4", ConvParams(h.Conv))...)
}

// dropout2d zeroes whole channels with probability p in training mode.
func dropout2d(x *ts.Tensor, p float64, train bool) *ts.Tensor {
	if !train || p == 0 {
		return x.MustShallowClone()
	}
	return ts.MustFeatureDropout(x, p, train)
}
