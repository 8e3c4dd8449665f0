package encoder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/base"
)

// Encoder extracts the feature map of every backbone stage.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
}

var _ Encoder = (*Stages)(nil)

// Stage is one feature extraction stage of a backbone.
type Stage interface {
	ts.ModuleT
	base.ParamLister
}

// NumStages is the number of stages every backbone provides.
const NumStages = 5

// StageChannels are the output channels of each stage of a bottleneck backbone.
var StageChannels = [NumStages]int64{64, 256, 512, 1024, 2048}

// Supported backbone families.
const (
	ResNet       = "resnet"
	PyConvResNet = "pyconvresnet"
)

// ErrUnsupportedBackbone is returned for unknown families, depths or output strides.
var ErrUnsupportedBackbone = errors.New("unsupported backbone")

var blockCounts = map[int64][4]int64{
	50:  {3, 4, 6, 3},
	101: {3, 4, 23, 3},
	152: {3, 8, 36, 3},
	200: {3, 24, 36, 3},
}

// SupportedDepth reports whether depth is a known backbone depth.
func SupportedDepth(depth int64) bool {
	_, ok := blockCounts[depth]
	return ok
}

// SupportedOutputStride reports whether stride is a supported backbone output stride.
func SupportedOutputStride(stride int64) bool {
	return stride == 8 || stride == 16 || stride == 32
}

// BackboneConfig selects the backbone built by BuildLayers.
type BackboneConfig struct {
	Name         string
	Layers       int64
	OutputStride int64
	Norm         base.NormFunc
}

// Stages holds the five stages of a backbone: stage 0 is the stem,
// stages 1-4 are residual layers.
type Stages [NumStages]Stage

// ForwardAll implements Encoder. It returns the output of every stage and
// the caller owns all of them.
func (s *Stages) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	outs := make([]*ts.Tensor, 0, NumStages)
	in := x
	for _, stage := range s {
		out := stage.ForwardT(in, train)
		outs = append(outs, out)
		in = out
	}
	return outs
}

// Params implements base.ParamLister. Stage i lives at `layer<i>`.
func (s *Stages) Params() []base.Param {
	var params []base.Param
	for i, stage := range s {
		params = append(params, base.Prefix(fmt.Sprintf("layer%d", i), stage.Params())...)
	}
	return params
}

// dilations returns stride/dilation of stages 3 and 4 for an output stride.
func dilations(outputStride int64) (stride3, dilation3, stride4, dilation4 int64) {
	switch outputStride {
	case 8:
		return 1, 2, 1, 4
	case 16:
		return 2, 1, 1, 2
	default:
		return 2, 1, 2, 1
	}
}

// BuildLayers creates the five backbone stages at `p/layer0` .. `p/layer4`.
func BuildLayers(p *nn.Path, config BackboneConfig) (*Stages, error) {
	counts, ok := blockCounts[config.Layers]
	if !ok {
		return nil, fmt.Errorf("%w: depth %d", ErrUnsupportedBackbone, config.Layers)
	}
	if !SupportedOutputStride(config.OutputStride) {
		return nil, fmt.Errorf("%w: output stride %d", ErrUnsupportedBackbone, config.OutputStride)
	}
	norm := config.Norm
	if norm == nil {
		norm = base.BatchNorm2d
	}

	var conv2 conv2Func
	switch config.Name {
	case ResNet:
		conv2 = resnetConv2
	case PyConvResNet:
		conv2 = pyconvConv2
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackbone, config.Name)
	}

	s3, d3, s4, d4 := dilations(config.OutputStride)
	strides := [4]int64{1, 2, s3, s4}
	dils := [4]int64{1, 1, d3, d4}

	var stages Stages
	stages[0] = newStem(p.Sub("layer0"), norm)
	inplanes := StageChannels[0]
	for i := 0; i < 4; i++ {
		planes := StageChannels[i+1] / expansion
		layer, err := newLayer(p.Sub(fmt.Sprintf("layer%d", i+1)), i, inplanes, planes, counts[i], strides[i], dils[i], conv2, norm)
		if err != nil {
			return nil, fmt.Errorf("%s layer%d: %w", config.Name, i+1, err)
		}
		stages[i+1] = layer
		inplanes = planes * expansion
	}

	slog.Debug("backbone built", "name", config.Name, "layers", config.Layers, "output_stride", config.OutputStride)

	return &stages, nil
}

// LoadPretrained loads backbone (or whole model) weights from a gotch `.ot`
// file into vs. Variables missing from the file are kept and returned.
func LoadPretrained(vs *nn.VarStore, path string) ([]string, error) {
	missing, err := vs.LoadPartial(path)
	if err != nil {
		return nil, fmt.Errorf("load pretrained weights %q: %w", path, err)
	}
	slog.Info("pretrained weights loaded", "path", path, "missing", len(missing))
	for _, name := range missing {
		slog.Debug("variable not in pretrained weights", "name", name)
	}

	return missing, nil
}

// Normalize standardizes an RGB batch in [0, 1] with ImageNet mean and std.
func Normalize(x *ts.Tensor) *ts.Tensor {
	meanVals := []float32{0.485, 0.456, 0.406} // image RGB mean
	sdVals := []float32{0.229, 0.224, 0.225}   // image RGB standard error

	device := x.MustDevice()
	mean := ts.MustOfSlice(meanVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)
	sd := ts.MustOfSlice(sdVals).MustView([]int64{1, 3, 1, 1}, true).MustTo(device, true)

	// x = (x - mean)/sd
	n := x.MustSub(mean, false).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}
