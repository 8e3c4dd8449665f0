// Package pyconv implements pyramidal convolution (PyConv) blocks and the
// PyConv segmentation head.
//
// Ref. Duta et al. "Pyramidal Convolution: Rethinking Convolutional Neural
// Networks for Visual Recognition", https://arxiv.org/abs/2006.11538
package pyconv

import (
	"errors"
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/base"
)

// ErrInvalidLevels is returned when a pyramid level configuration is malformed.
var ErrInvalidLevels = errors.New("invalid pyramid levels")

// PyConv4 level layout.
var (
	PyConv4Kernels = []int64{3, 5, 7, 9}
	PyConv4Groups  = []int64{1, 4, 8, 16}
)

// Level describes one pyramid level: output channels, kernel size and groups.
type Level struct {
	OutChannels int64
	Kernel      int64
	Groups      int64
}

// Levels zips parallel lists of output channels, kernels and groups.
// The lists must have equal, non-zero length.
func Levels(outChannels, kernels, groups []int64) ([]Level, error) {
	if len(outChannels) == 0 || len(outChannels) != len(kernels) || len(kernels) != len(groups) {
		return nil, fmt.Errorf("%w: out channels %v, kernels %v, groups %v must have equal non-zero length",
			ErrInvalidLevels, outChannels, kernels, groups)
	}

	levels := make([]Level, len(kernels))
	for i := range kernels {
		levels[i] = Level{OutChannels: outChannels[i], Kernel: kernels[i], Groups: groups[i]}
	}
	return levels, nil
}

// PyConv2d applies several grouped convolutions with different kernel sizes
// over the same input and concatenates their outputs along the channel axis
// in level order.
type PyConv2d struct {
	Levels []*nn.Conv2D

	outChannels int64
	// name of the sub path holding level convs, "" when convs sit directly on the block path.
	levelsName string
	names      []string
}

// PyConv2dConfig holds optional PyConv2d settings.
type PyConv2dConfig struct {
	Stride   int64
	Dilation int64
	Bias     bool
}

// DefaultPyConv2dConfig returns stride 1, dilation 1, no bias.
func DefaultPyConv2dConfig() *PyConv2dConfig {
	return &PyConv2dConfig{Stride: 1, Dilation: 1}
}

// NewPyConv2d creates PyConv2d with level convs at `p/pyconv_levels/i`.
// Each level uses padding dilation*(kernel/2), which keeps the spatial size for
// stride 1.
func NewPyConv2d(p *nn.Path, cIn int64, levels []Level, config *PyConv2dConfig) (*PyConv2d, error) {
	names := make([]string, len(levels))
	for i := range levels {
		names[i] = fmt.Sprint(i)
	}
	return newPyConv2d(p.Sub("pyconv_levels"), "pyconv_levels", names, cIn, levels, config)
}

func newPyConv2d(p *nn.Path, levelsName string, names []string, cIn int64, levels []Level, config *PyConv2dConfig) (*PyConv2d, error) {
	if config == nil {
		config = DefaultPyConv2dConfig()
	}
	if err := validateLevels(cIn, levels, config); err != nil {
		return nil, err
	}

	m := &PyConv2d{levelsName: levelsName, names: names}
	for i, l := range levels {
		conv := base.Conv2dWithOpts(p.Sub(names[i]), cIn, l.OutChannels, l.Kernel, config.Dilation*(l.Kernel/2), config.Stride, base.ConvOpts{
			Dilation: config.Dilation,
			Groups:   l.Groups,
			Bias:     config.Bias,
		})
		m.Levels = append(m.Levels, conv)
		m.outChannels += l.OutChannels
	}

	return m, nil
}

func validateLevels(cIn int64, levels []Level, config *PyConv2dConfig) error {
	if len(levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidLevels)
	}
	if cIn <= 0 {
		return fmt.Errorf("%w: input channels must be positive, got %d", ErrInvalidLevels, cIn)
	}
	if config.Stride <= 0 || config.Dilation <= 0 {
		return fmt.Errorf("%w: stride %d and dilation %d must be positive", ErrInvalidLevels, config.Stride, config.Dilation)
	}
	for i, l := range levels {
		switch {
		case l.OutChannels <= 0 || l.Kernel <= 0 || l.Groups <= 0:
			return fmt.Errorf("%w: level %d has non-positive value %+v", ErrInvalidLevels, i, l)
		case l.Kernel%2 == 0:
			return fmt.Errorf("%w: level %d kernel %d must be odd", ErrInvalidLevels, i, l.Kernel)
		case cIn%l.Groups != 0:
			return fmt.Errorf("%w: level %d input channels %d not divisible by groups %d", ErrInvalidLevels, i, cIn, l.Groups)
		case l.OutChannels%l.Groups != 0:
			return fmt.Errorf("%w: level %d output channels %d not divisible by groups %d", ErrInvalidLevels, i, l.OutChannels, l.Groups)
		}
	}
	return nil
}

// OutChannels returns the sum of level output channels.
func (m *PyConv2d) OutChannels() int64 {
	return m.outChannels
}

// ForwardT implements ts.ModuleT for PyConv2d.
func (m *PyConv2d) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	outs := make([]*ts.Tensor, len(m.Levels))
	for i, level := range m.Levels {
		outs[i] = level.ForwardT(x, train)
	}
	res := ts.MustCat(outs, 1)
	for _, o := range outs {
		o.MustDrop()
	}

	return res
}

// Params implements base.ParamLister.
func (m *PyConv2d) Params() []base.Param {
	var params []base.Param
	for i, level := range m.Levels {
		name := m.names[i]
		if m.levelsName != "" {
			name = m.levelsName + "." + name
		}
		params = append(params, base.Prefix(name, base.ConvParams(level))...)
	}
	return params
}

// NewPyConv4 creates the 4-level PyConv with kernels 3, 5, 7, 9 and groups
// 1, 4, 8, 16. Each level produces planes/4 channels. Level convs sit at
// `p/conv2_1` .. `p/conv2_4`.
func NewPyConv4(p *nn.Path, inplanes, planes, stride int64) (*PyConv2d, error) {
	if planes%4 != 0 {
		return nil, fmt.Errorf("%w: PyConv4 planes %d not divisible by 4", ErrInvalidLevels, planes)
	}
	out := planes / 4
	levels, err := Levels([]int64{out, out, out, out}, PyConv4Kernels, PyConv4Groups)
	if err != nil {
		return nil, err
	}

	config := DefaultPyConv2dConfig()
	config.Stride = stride
	names := []string{"conv2_1", "conv2_2", "conv2_3", "conv2_4"}

	return newPyConv2d(p, "", names, inplanes, levels, config)
}
