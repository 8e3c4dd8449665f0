package pyconv

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/base"
)

// ErrShapeMismatch is returned when local and global context differ in spatial size.
var ErrShapeMismatch = errors.New("context shape mismatch")

// DefaultGlobalBins is the pooled grid size of GlobalPyConvBlock.
const DefaultGlobalBins = 9

// DefaultLocalReduction is the channel reduction factor of LocalPyConvBlock.
const DefaultLocalReduction = 4

// pyConvBnRelu is PyConv4 + norm + ReLU.
type pyConvBnRelu struct {
	pyconv *PyConv2d
	bn     ts.ModuleT

	pyconvName, bnName string
}

func newPyConvBnRelu(p *nn.Path, pyconvName, bnName string, planes int64, norm base.NormFunc) (*pyConvBnRelu, error) {
	pc, err := NewPyConv4(p.Sub(pyconvName), planes, planes, 1)
	if err != nil {
		return nil, err
	}

	return &pyConvBnRelu{
		pyconv:     pc,
		bn:         norm(p.Sub(bnName), planes),
		pyconvName: pyconvName,
		bnName:     bnName,
	}, nil
}

func (m *pyConvBnRelu) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	pc := m.pyconv.ForwardT(x, train)
	bn := m.bn.ForwardT(pc, train)
	pc.MustDrop()

	return bn.MustRelu(true)
}

func (m *pyConvBnRelu) Params() []base.Param {
	return append(base.Prefix(m.pyconvName, m.pyconv.Params()), base.Prefix(m.bnName, base.NormParams(m.bn))...)
}

// GlobalPyConvBlock captures global context: it pools the input to a small
// fixed grid, mixes channels with PyConv4 and upsamples back to the input size.
type GlobalPyConvBlock struct {
	Bins    int64
	Reduce  *base.ConvBnRelu
	PyConv  *pyConvBnRelu
	Project *base.ConvBnRelu
}

// NewGlobalPyConvBlock creates GlobalPyConvBlock with layers under `p/features`.
func NewGlobalPyConvBlock(p *nn.Path, inDim, reductionDim, bins int64, norm base.NormFunc) (*GlobalPyConvBlock, error) {
	if bins <= 0 {
		return nil, fmt.Errorf("%w: global bins must be positive, got %d", ErrInvalidLevels, bins)
	}
	fp := p.Sub("features")
	pc, err := newPyConvBnRelu(fp, "4", "5", reductionDim, norm)
	if err != nil {
		return nil, fmt.Errorf("global context: %w", err)
	}

	return &GlobalPyConvBlock{
		Bins:    bins,
		Reduce:  base.NewConvBnRelu(fp, "1", "2", inDim, reductionDim, 1, 0, norm),
		PyConv:  pc,
		Project: base.NewConvBnRelu(fp, "7", "8", reductionDim, reductionDim, 1, 0, norm),
	}, nil
}

// ForwardT implements ts.ModuleT for GlobalPyConvBlock.
func (b *GlobalPyConvBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()

	pooled := x.MustAdaptiveAvgPool2d([]int64{b.Bins, b.Bins}, false)
	r := b.Reduce.ForwardT(pooled, train)
	pooled.MustDrop()
	pc := b.PyConv.ForwardT(r, train)
	r.MustDrop()
	proj := b.Project.ForwardT(pc, train)
	pc.MustDrop()

	return proj.MustUpsampleBilinear2d(size[2:], true, nil, nil, true)
}

// Params implements base.ParamLister.
func (b *GlobalPyConvBlock) Params() []base.Param {
	params := b.Reduce.Params()
	params = append(params, b.PyConv.Params()...)
	params = append(params, b.Project.Params()...)
	return base.Prefix("features", params)
}

// LocalPyConvBlock captures local context at full input resolution.
type LocalPyConvBlock struct {
	Reduce *base.ConvBnRelu
	PyConv *pyConvBnRelu
	Expand *base.ConvBnRelu
}

// NewLocalPyConvBlock creates LocalPyConvBlock with layers under `p/layers`.
// inplanes/reduction is the PyConv4 width and must be divisible by 64 so
// that every level's channels split evenly over 16 groups.
func NewLocalPyConvBlock(p *nn.Path, inplanes, planes, reduction int64, norm base.NormFunc) (*LocalPyConvBlock, error) {
	if reduction <= 0 || inplanes%reduction != 0 {
		return nil, fmt.Errorf("%w: local context input channels %d not divisible by reduction %d", ErrInvalidLevels, inplanes, reduction)
	}
	mid := inplanes / reduction
	lp := p.Sub("layers")
	pc, err := newPyConvBnRelu(lp, "3", "4", mid, norm)
	if err != nil {
		return nil, fmt.Errorf("local context: %w", err)
	}

	return &LocalPyConvBlock{
		Reduce: base.NewConvBnRelu(lp, "0", "1", inplanes, mid, 1, 0, norm),
		PyConv: pc,
		Expand: base.NewConvBnRelu(lp, "6", "7", mid, planes, 1, 0, norm),
	}, nil
}

// ForwardT implements ts.ModuleT for LocalPyConvBlock.
func (b *LocalPyConvBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	r := b.Reduce.ForwardT(x, train)
	pc := b.PyConv.ForwardT(r, train)
	r.MustDrop()
	e := b.Expand.ForwardT(pc, train)
	pc.MustDrop()

	return e
}

// Params implements base.ParamLister.
func (b *LocalPyConvBlock) Params() []base.Param {
	params := b.Reduce.Params()
	params = append(params, b.PyConv.Params()...)
	params = append(params, b.Expand.Params()...)
	return base.Prefix("layers", params)
}

// MergeLocalGlobal fuses local and global context with a 3x3 convolution.
type MergeLocalGlobal struct {
	Fuse *base.ConvBnRelu
}

// NewMergeLocalGlobal creates MergeLocalGlobal with layers under `p/features`.
// inplanes is the channel sum of the local and global inputs.
func NewMergeLocalGlobal(p *nn.Path, inplanes, planes int64, norm base.NormFunc) *MergeLocalGlobal {
	return &MergeLocalGlobal{
		Fuse: base.NewConvBnRelu(p.Sub("features"), "0", "1", inplanes, planes, 3, 1, norm),
	}
}

// Merge concatenates local then global context along channels and fuses them.
// Both inputs must share batch and spatial dimensions.
func (m *MergeLocalGlobal) Merge(local, global *ts.Tensor, train bool) (*ts.Tensor, error) {
	ls, gs := local.MustSize(), global.MustSize()
	if len(ls) != 4 || len(gs) != 4 || ls[0] != gs[0] || !reflect.DeepEqual(ls[2:], gs[2:]) {
		return nil, fmt.Errorf("%w: local %v, global %v", ErrShapeMismatch, ls, gs)
	}

	cat := ts.MustCat([]*ts.Tensor{local, global}, 1)
	res := m.Fuse.ForwardT(cat, train)
	cat.MustDrop()

	return res, nil
}

// Params implements base.ParamLister.
func (m *MergeLocalGlobal) Params() []base.Param {
	return base.Prefix("features", m.Fuse.Params())
}
