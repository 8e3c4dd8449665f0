// Package pyconvseg implements PyConvSegNet, a semantic segmentation network
// made of a residual backbone, the PyConv head and a per-pixel classifier.
package pyconvseg

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/base"
	"github.com/sugarme/pyconvseg/encoder"
	"github.com/sugarme/pyconvseg/metric"
	"github.com/sugarme/pyconvseg/pyconv"
)

// ErrInputShape is returned when input or label tensors have an unusable shape.
var ErrInputShape = errors.New("invalid input shape")

const (
	backboneOutputMaps int64 = 2048
	mergeOutputMaps    int64 = 256
	auxInputMaps       int64 = 1024
	auxMidMaps         int64 = 256
)

// PyConvSegNet is the PyConv semantic segmentation network.
type PyConvSegNet struct {
	config    Config
	backbone  *encoder.Stages // provides encoder.Encoder
	head      *pyconv.PyConvHead
	aux       *base.AuxHead // nil when the aux branch is disabled
	cls       *base.ClassifierHead
	criterion metric.Criterion
}

// New creates PyConvSegNet with variables in vs, named after the PyTorch
// layout (`layer0..layer4`, `pyconvhead`, `aux`, `cls`). With
// config.Pretrained it loads config.PretrainedPath afterwards.
func New(vs *nn.VarStore, config Config) (*PyConvSegNet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	norm := config.norm()
	root := vs.Root()

	backbone, err := encoder.BuildLayers(root, encoder.BackboneConfig{
		Name:         config.Backbone,
		Layers:       config.Layers,
		OutputStride: config.OutputStride,
		Norm:         norm,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	head, err := pyconv.NewPyConvHead(root.Sub("pyconvhead"), backboneOutputMaps, mergeOutputMaps, norm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	net := &PyConvSegNet{
		config:    config,
		backbone:  backbone,
		head:      head,
		cls:       base.NewClassifierHead(root.Sub("cls"), mergeOutputMaps, config.Classes, config.Dropout),
		criterion: config.criterion(),
	}
	if config.Aux == AuxEnabled {
		net.aux = base.NewAuxHead(root.Sub("aux"), auxInputMaps, auxMidMaps, config.Classes, config.Dropout, norm)
	}

	if config.Pretrained {
		if _, err := encoder.LoadPretrained(vs, config.PretrainedPath); err != nil {
			return nil, err
		}
	}

	slog.Debug("PyConvSegNet created", "backbone", config.Backbone, "layers", config.Layers,
		"classes", config.Classes, "zoom_factor", config.ZoomFactor, "aux", config.Aux,
		"parameters", base.Count(net.Parameters()))

	return net, nil
}

// Config returns the model configuration.
func (n *PyConvSegNet) Config() Config {
	return n.config
}

// OutputSize returns the spatial size of the logits for an input of h x w.
func (n *PyConvSegNet) OutputSize(h, w int64) (int64, int64, error) {
	return n.config.OutputSize(h, w)
}

func (n *PyConvSegNet) checkInput(x *ts.Tensor) (int64, int64, error) {
	size := x.MustSize()
	if len(size) != 4 {
		return 0, 0, fmt.Errorf("%w: expected [N, C, H, W] input, got %v", ErrInputShape, size)
	}
	if size[1] != 3 {
		return 0, 0, fmt.Errorf("%w: expected 3 input channels, got %d", ErrInputShape, size[1])
	}
	return n.OutputSize(size[2], size[3])
}

// forward runs backbone, head and classifier. stage3 is returned only when
// keepStage3 is set; the caller owns it.
func (n *PyConvSegNet) forward(x *ts.Tensor, train bool, h, w int64, keepStage3 bool, trace func(string, *ts.Tensor)) (logits, stage3 *ts.Tensor) {
	record := func(name string, t *ts.Tensor) {
		if trace != nil {
			trace(name, t)
		}
	}

	feats := n.backbone.ForwardAll(x, train)
	for i, f := range feats {
		record(fmt.Sprintf("layer%d", i), f)
	}
	for _, f := range feats[:3] {
		f.MustDrop()
	}
	if keepStage3 {
		stage3 = feats[3]
	} else {
		feats[3].MustDrop()
	}
	out := feats[4]

	head := n.head.ForwardT(out, train)
	out.MustDrop()
	record("pyconvhead", head)

	logits = n.cls.ForwardT(head, train)
	head.MustDrop()
	record("cls", logits)

	if n.config.ZoomFactor != 1 {
		logits = logits.MustUpsampleBilinear2d([]int64{h, w}, true, nil, nil, true)
	}
	record("output", logits)

	return logits, stage3
}

// Forward runs inference and returns class logits [N, classes, h, w] with
// h, w given by OutputSize.
func (n *PyConvSegNet) Forward(x *ts.Tensor) (*ts.Tensor, error) {
	h, w, err := n.checkInput(x)
	if err != nil {
		return nil, err
	}

	logits, _ := n.forward(x, false, h, w, false, nil)
	return logits, nil
}

// TrainOutput is the result of a training forward pass.
type TrainOutput struct {
	// Pred is the per-pixel argmax class map [N, h, w].
	Pred *ts.Tensor
	// MainLoss is the criterion over the classifier logits.
	MainLoss *ts.Tensor
	// AuxLoss is the criterion over the aux head logits, or MainLoss*0 when
	// the aux branch is disabled.
	AuxLoss *ts.Tensor
}

// Drop frees all output tensors.
func (o *TrainOutput) Drop() {
	o.Pred.MustDrop()
	o.MainLoss.MustDrop()
	o.AuxLoss.MustDrop()
}

// ForwardTrain runs a training pass against integer labels y [N, h, w] with
// h, w given by OutputSize. Label 255 is ignored by the default criterion.
func (n *PyConvSegNet) ForwardTrain(x, y *ts.Tensor) (*TrainOutput, error) {
	h, w, err := n.checkInput(x)
	if err != nil {
		return nil, err
	}
	batch := x.MustSize()[0]
	if ys := y.MustSize(); len(ys) != 3 || ys[0] != batch || ys[1] != h || ys[2] != w {
		return nil, fmt.Errorf("%w: expected labels [%d, %d, %d], got %v", ErrInputShape, batch, h, w, ys)
	}

	logits, stage3 := n.forward(x, true, h, w, n.aux != nil, nil)
	mainLoss := n.criterion.Loss(logits, y)

	var auxLoss *ts.Tensor
	if n.aux != nil {
		auxLogits := n.aux.ForwardT(stage3, true)
		stage3.MustDrop()
		if s := auxLogits.MustSize(); s[2] != h || s[3] != w {
			auxLogits = auxLogits.MustUpsampleBilinear2d([]int64{h, w}, true, nil, nil, true)
		}
		auxLoss = n.criterion.Loss(auxLogits, y)
		auxLogits.MustDrop()
	} else {
		auxLoss = mainLoss.MustMulScalar(ts.FloatScalar(0), false)
	}

	pred := logits.MustArgmax([]int64{1}, false, true)

	return &TrainOutput{Pred: pred, MainLoss: mainLoss, AuxLoss: auxLoss}, nil
}

// StageShape is the output shape of one named stage of a forward pass.
type StageShape struct {
	Name  string
	Shape []int64
}

// Trace runs inference without gradient tracking and records the output
// shape of every backbone stage, the head, the classifier and the final output.
func (n *PyConvSegNet) Trace(x *ts.Tensor) ([]StageShape, error) {
	h, w, err := n.checkInput(x)
	if err != nil {
		return nil, err
	}

	var shapes []StageShape
	ts.NoGrad(func() {
		logits, _ := n.forward(x, false, h, w, false, func(name string, t *ts.Tensor) {
			shapes = append(shapes, StageShape{Name: name, Shape: t.MustSize()})
		})
		logits.MustDrop()
	})

	return shapes, nil
}

// Module is a named top-level part of the network with its parameters.
type Module struct {
	Name   string
	Params []base.Param
}

// Modules lists top-level modules in forward order with fully qualified parameter names.
func (n *PyConvSegNet) Modules() []Module {
	var modules []Module
	for i, stage := range n.backbone {
		name := fmt.Sprintf("layer%d", i)
		modules = append(modules, Module{Name: name, Params: base.Prefix(name, stage.Params())})
	}
	modules = append(modules, Module{Name: "pyconvhead", Params: base.Prefix("pyconvhead", n.head.Params())})
	if n.aux != nil {
		modules = append(modules, Module{Name: "aux", Params: base.Prefix("aux", n.aux.Params())})
	}
	modules = append(modules, Module{Name: "cls", Params: base.Prefix("cls", n.cls.Params())})

	return modules
}

// Parameters returns every trainable parameter of the network.
func (n *PyConvSegNet) Parameters() []base.Param {
	var params []base.Param
	for _, m := range n.Modules() {
		params = append(params, m.Params...)
	}
	return params
}

// NumParameters returns the total number of trainable parameter elements.
func (n *PyConvSegNet) NumParameters() int64 {
	return base.Count(n.Parameters())
}
