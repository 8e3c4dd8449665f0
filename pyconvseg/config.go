package pyconvseg

import (
	"errors"
	"fmt"

	"github.com/sugarme/pyconvseg/base"
	"github.com/sugarme/pyconvseg/encoder"
	"github.com/sugarme/pyconvseg/metric"
)

// ErrInvalidConfig is returned by Config.Validate and New for unusable configurations.
var ErrInvalidConfig = errors.New("invalid model config")

// AuxMode selects whether training computes the auxiliary loss from stage-3 features.
// The zero value is rejected so that callers always choose explicitly.
type AuxMode int

const (
	AuxUnset AuxMode = iota
	// AuxEnabled builds the auxiliary head and returns its loss in training.
	AuxEnabled
	// AuxDisabled skips the auxiliary head; the returned aux loss is the main loss times zero.
	AuxDisabled
)

func (m AuxMode) String() string {
	switch m {
	case AuxEnabled:
		return "enabled"
	case AuxDisabled:
		return "disabled"
	default:
		return "unset"
	}
}

// ParseAuxMode parses "enabled"/"on"/"true" or "disabled"/"off"/"false".
func ParseAuxMode(s string) (AuxMode, error) {
	switch s {
	case "enabled", "on", "true":
		return AuxEnabled, nil
	case "disabled", "off", "false":
		return AuxDisabled, nil
	}
	return AuxUnset, fmt.Errorf("%w: unknown aux mode %q", ErrInvalidConfig, s)
}

// Config is the immutable PyConvSegNet configuration.
type Config struct {
	// Layers is the backbone depth: 50, 101, 152 or 200.
	Layers int64
	// Classes is the number of output classes, > 1.
	Classes int64
	// ZoomFactor is the upsampling factor of the stride-8 prediction grid: 1, 2, 4 or 8.
	ZoomFactor int64
	// Dropout is the channel dropout probability of the classifier heads.
	Dropout float64
	// Backbone is the backbone family, encoder.ResNet or encoder.PyConvResNet.
	Backbone string
	// OutputStride is the backbone output stride: 8, 16 or 32.
	OutputStride int64
	// Pretrained loads weights from PretrainedPath after construction.
	Pretrained     bool
	PretrainedPath string
	// Aux must be AuxEnabled or AuxDisabled.
	Aux AuxMode

	// Criterion defaults to cross entropy ignoring label 255.
	Criterion metric.Criterion
	// Norm defaults to batch normalization.
	Norm base.NormFunc
}

// DefaultConfig returns ResNet-50, 2 classes, zoom 8, dropout 0.1,
// output stride 16 with the auxiliary loss enabled.
func DefaultConfig() Config {
	return Config{
		Layers:       50,
		Classes:      2,
		ZoomFactor:   8,
		Dropout:      0.1,
		Backbone:     encoder.ResNet,
		OutputStride: 16,
		Aux:          AuxEnabled,
	}
}

// Validate reports every configuration problem.
func (c Config) Validate() error {
	var errs []error
	if !encoder.SupportedDepth(c.Layers) {
		errs = append(errs, fmt.Errorf("layers must be one of 50, 101, 152, 200, got %d", c.Layers))
	}
	if c.Classes <= 1 {
		errs = append(errs, fmt.Errorf("classes must be > 1, got %d", c.Classes))
	}
	switch c.ZoomFactor {
	case 1, 2, 4, 8:
	default:
		errs = append(errs, fmt.Errorf("zoom factor must be one of 1, 2, 4, 8, got %d", c.ZoomFactor))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout))
	}
	if c.Backbone != encoder.ResNet && c.Backbone != encoder.PyConvResNet {
		errs = append(errs, fmt.Errorf("unknown backbone %q", c.Backbone))
	}
	if !encoder.SupportedOutputStride(c.OutputStride) {
		errs = append(errs, fmt.Errorf("output stride must be one of 8, 16, 32, got %d", c.OutputStride))
	}
	if c.Aux != AuxEnabled && c.Aux != AuxDisabled {
		errs = append(errs, errors.New("aux mode must be set explicitly"))
	}
	if c.Pretrained && c.PretrainedPath == "" {
		errs = append(errs, errors.New("pretrained requires a weights path"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// predictionStride is the stride of the grid that ZoomFactor scales.
const predictionStride int64 = 8

// OutputSize returns the spatial size of the logits for an input of h x w.
// Both must satisfy (dim-1) % 8 == 0. With ZoomFactor 1 logits stay at the
// backbone resolution; otherwise they are upsampled to (dim-1)/8*zoom+1.
func (c Config) OutputSize(h, w int64) (int64, int64, error) {
	if h <= 0 || w <= 0 || (h-1)%predictionStride != 0 || (w-1)%predictionStride != 0 {
		return 0, 0, fmt.Errorf("%w: height %d and width %d must satisfy (dim-1) %% 8 == 0", ErrInputShape, h, w)
	}
	if c.ZoomFactor == 1 {
		return backboneSize(h, c.OutputStride), backboneSize(w, c.OutputStride), nil
	}
	return (h-1)/predictionStride*c.ZoomFactor + 1, (w-1)/predictionStride*c.ZoomFactor + 1, nil
}

// backboneSize is the spatial size after the backbone: every stride-2 step
// (stem conv, maxpool, strided stages) maps d to (d-1)/2+1.
func backboneSize(d, outputStride int64) int64 {
	for s := int64(1); s < outputStride; s *= 2 {
		d = (d-1)/2 + 1
	}
	return d
}

func (c Config) criterion() metric.Criterion {
	if c.Criterion == nil {
		return metric.NewCrossEntropy()
	}
	return c.Criterion
}

func (c Config) norm() base.NormFunc {
	if c.Norm == nil {
		return base.BatchNorm2d
	}
	return c.Norm
}
