package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/base"
)

const expansion int64 = 4

// conv2Func builds the spatial conv of a bottleneck block in stage (0-based).
type conv2Func func(p *nn.Path, stage int, planes, stride, dilation int64) (ts.ModuleT, error)

func resnetConv2(p *nn.Path, stage int, planes, stride, dilation int64) (ts.ModuleT, error) {
	return base.Conv2dWithOpts(p, planes, planes, 3, dilation, stride, base.ConvOpts{Dilation: dilation}), nil
}

// Stem is stage 0: conv7x7/2, norm, ReLU and maxpool3x3/2.
type Stem struct {
	Conv1 *nn.Conv2D
	Bn1   ts.ModuleT
}

func newStem(p *nn.Path, norm base.NormFunc) *Stem {
	return &Stem{
		Conv1: base.Conv2dNoBias(p.Sub("0"), 3, StageChannels[0], 7, 3, 2),
		Bn1:   norm(p.Sub("1"), StageChannels[0]),
	}
}

// ForwardT implements ts.ModuleT for Stem.
func (s *Stem) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := s.Conv1.ForwardT(x, train)
	bn1 := s.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1.MustRelu(true)
	res := relu.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	relu.MustDrop()

	return res
}

// Params implements base.ParamLister.
func (s *Stem) Params() []base.Param {
	return append(base.Prefix("0", base.ConvParams(s.Conv1)), base.Prefix("1", base.NormParams(s.Bn1))...)
}

// Downsample projects the residual shortcut with a strided 1x1 conv and norm.
type Downsample struct {
	Conv *nn.Conv2D
	Bn   ts.ModuleT
}

func newDownsample(p *nn.Path, cIn, cOut, stride int64, norm base.NormFunc) *Downsample {
	return &Downsample{
		Conv: base.Conv2dNoBias(p.Sub("0"), cIn, cOut, 1, 0, stride),
		Bn:   norm(p.Sub("1"), cOut),
	}
}

// ForwardT implements ts.ModuleT for Downsample.
func (d *Downsample) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c := d.Conv.ForwardT(x, train)
	bn := d.Bn.ForwardT(c, train)
	c.MustDrop()

	return bn
}

// Params implements base.ParamLister.
func (d *Downsample) Params() []base.Param {
	return append(base.Prefix("0", base.ConvParams(d.Conv)), base.Prefix("1", base.NormParams(d.Bn))...)
}

// Bottleneck is a 1x1 - spatial - 1x1 residual block with expansion 4.
type Bottleneck struct {
	Conv1      *nn.Conv2D
	Bn1        ts.ModuleT
	Conv2      ts.ModuleT
	Bn2        ts.ModuleT
	Conv3      *nn.Conv2D
	Bn3        ts.ModuleT
	Downsample ts.ModuleT
}

// newBottleneck creates a Bottleneck whose spatial conv is built by conv2.
func newBottleneck(path *nn.Path, stage int, cIn, planes, stride, dilation int64, conv2 conv2Func, norm base.NormFunc) (*Bottleneck, error) {
	c2, err := conv2(path.Sub("conv2"), stage, planes, stride, dilation)
	if err != nil {
		return nil, err
	}

	var downsample ts.ModuleT = base.NewIdentity()
	if stride != 1 || cIn != planes*expansion {
		downsample = newDownsample(path.Sub("downsample"), cIn, planes*expansion, stride, norm)
	}

	return &Bottleneck{
		Conv1:      base.Conv2dNoBias(path.Sub("conv1"), cIn, planes, 1, 0, 1),
		Bn1:        norm(path.Sub("bn1"), planes),
		Conv2:      c2,
		Bn2:        norm(path.Sub("bn2"), planes),
		Conv3:      base.Conv2dNoBias(path.Sub("conv3"), planes, planes*expansion, 1, 0, 1),
		Bn3:        norm(path.Sub("bn3"), planes*expansion),
		Downsample: downsample,
	}, nil
}

// ForwardT implements ts.ModuleT for Bottleneck.
func (b *Bottleneck) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := b.Conv1.ForwardT(x, train)
	bn1 := b.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu1 := bn1.MustRelu(true)
	c2 := b.Conv2.ForwardT(relu1, train)
	relu1.MustDrop()
	bn2 := b.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	relu2 := bn2.MustRelu(true)
	c3 := b.Conv3.ForwardT(relu2, train)
	relu2.MustDrop()
	bn3 := b.Bn3.ForwardT(c3, train)
	c3.MustDrop()

	dsl := b.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn3, true)
	bn3.MustDrop()

	return dslAdd.MustRelu(true)
}

// Params implements base.ParamLister.
func (b *Bottleneck) Params() []base.Param {
	params := base.Prefix("conv1", base.ConvParams(b.Conv1))
	params = append(params, base.Prefix("bn1", base.NormParams(b.Bn1))...)
	switch c2 := b.Conv2.(type) {
	case *nn.Conv2D:
		params = append(params, base.Prefix("conv2", base.ConvParams(c2))...)
	case base.ParamLister:
		params = append(params, base.Prefix("conv2", c2.Params())...)
	}
	params = append(params, base.Prefix("bn2", base.NormParams(b.Bn2))...)
	params = append(params, base.Prefix("conv3", base.ConvParams(b.Conv3))...)
	params = append(params, base.Prefix("bn3", base.NormParams(b.Bn3))...)
	if ds, ok := b.Downsample.(*Downsample); ok {
		params = append(params, base.Prefix("downsample", ds.Params())...)
	}
	return params
}

// Layer is a residual stage made of bottleneck blocks.
type Layer struct {
	Blocks []*Bottleneck
}

// newLayer creates a Layer of cnt blocks. With dilation > 1 the layer keeps
// resolution (stride 1) and every block dilates its spatial conv.
func newLayer(path *nn.Path, stage int, cIn, planes, cnt, stride, dilation int64, conv2 conv2Func, norm base.NormFunc) (*Layer, error) {
	if dilation > 1 {
		stride = 1
	}

	layer := &Layer{}
	for blockIndex := int64(0); blockIndex < cnt; blockIndex++ {
		blockIn, blockStride := planes*expansion, int64(1)
		if blockIndex == 0 {
			blockIn, blockStride = cIn, stride
		}
		block, err := newBottleneck(path.Sub(fmt.Sprint(blockIndex)), stage, blockIn, planes, blockStride, dilation, conv2, norm)
		if err != nil {
			return nil, err
		}
		layer.Blocks = append(layer.Blocks, block)
	}

	return layer, nil
}

// ForwardT implements ts.ModuleT for Layer.
func (l *Layer) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out := x
	for i, block := range l.Blocks {
		next := block.ForwardT(out, train)
		if i > 0 {
			out.MustDrop()
		}
		out = next
	}

	return out
}

// Params implements base.ParamLister.
func (l *Layer) Params() []base.Param {
	var params []base.Param
	for i, block := range l.Blocks {
		params = append(params, base.Prefix(fmt.Sprint(i), block.Params())...)
	}
	return params
}
