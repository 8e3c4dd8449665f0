package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Identity is the residual shortcut of blocks that need no projection.
type Identity struct{}

// ForwardT implements ts.ModuleT. The result shares storage with x and keeps
// its autograd history.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// NormFunc creates a normalization layer over c channels.
type NormFunc func(p *nn.Path, c int64) ts.ModuleT

// BatchNorm2d is the default NormFunc.
func BatchNorm2d(p *nn.Path, c int64) ts.ModuleT {
	return nn.BatchNorm2D(p, c, nn.DefaultBatchNormConfig())
}

// ConvOpts holds optional Conv2d settings.
type ConvOpts struct {
	Dilation int64
	Groups   int64
	Bias     bool
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	return Conv2dWithOpts(p, cIn, cOut, ksize, padding, stride, ConvOpts{Bias: true})
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	return Conv2dWithOpts(p, cIn, cOut, ksize, padding, stride, ConvOpts{})
}

// Conv2dWithOpts creates Conv2D with dilation, groups and bias settings.
// Zero Dilation and Groups default to 1.
func Conv2dWithOpts(p *nn.Path, cIn, cOut, ksize, padding, stride int64, opts ConvOpts) *nn.Conv2D {
	dilation, groups := opts.Dilation, opts.Groups
	if dilation == 0 {
		dilation = 1
	}
	if groups == 0 {
		groups = 1
	}

	config := nn.DefaultConv2DConfig()
	config.Bias = opts.Bias
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}
	config.Dilation = []int64{dilation, dilation}
	config.Groups = groups

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// ConvBnRelu composes a Conv2D with no bias, a normalization layer and a ReLU activation.
type ConvBnRelu struct {
	Conv *nn.Conv2D
	Bn   ts.ModuleT

	convName, bnName string
}

// NewConvBnRelu creates ConvBnRelu with conv and norm created at p.Sub(convName) and
// p.Sub(bnName), so that variable names can follow an existing checkpoint layout.
func NewConvBnRelu(p *nn.Path, convName, bnName string, cIn, cOut, ksize, padding int64, norm NormFunc) *ConvBnRelu {
	return &ConvBnRelu{
		Conv:     Conv2dNoBias(p.Sub(convName), cIn, cOut, ksize, padding, 1),
		Bn:       norm(p.Sub(bnName), cOut),
		convName: convName,
		bnName:   bnName,
	}
}

// ForwardT implements ts.ModuleT for ConvBnRelu.
func (m *ConvBnRelu) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c := m.Conv.ForwardT(x, train)
	bn := m.Bn.ForwardT(c, train)
	c.MustDrop()

	return bn.MustRelu(true)
}

// Params implements ParamLister. Names are relative to the path given to NewConvBnRelu.
func (m *ConvBnRelu) Params() []Param {
	return append(Prefix(m.convName, ConvParams(m.Conv)), Prefix(m.bnName, NormParams(m.Bn))...)
}
