package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Param is a named trainable tensor owned by a layer.
type Param struct {
	Name   string
	Tensor *ts.Tensor
}

// Numel returns number of elements of the parameter tensor.
func (p Param) Numel() int64 {
	n := int64(1)
	for _, d := range p.Tensor.MustSize() {
		n *= d
	}
	return n
}

// ParamLister is implemented by every block that owns trainable tensors.
type ParamLister interface {
	Params() []Param
}

// Prefix prepends prefix to every parameter name.
func Prefix(prefix string, params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Name: prefix + "." + p.Name, Tensor: p.Tensor}
	}
	return out
}

// Count sums element counts of params.
func Count(params []Param) int64 {
	var n int64
	for _, p := range params {
		n += p.Numel()
	}
	return n
}

// ConvParams lists weight and, if present, bias of a Conv2D.
func ConvParams(c *nn.Conv2D) []Param {
	params := []Param{{Name: "weight", Tensor: c.Ws}}
	if c.Bs != nil {
		params = append(params, Param{Name: "bias", Tensor: c.Bs})
	}
	return params
}

// NormParams lists affine parameters of a normalization layer.
// Running statistics are buffers and are not listed.
func NormParams(m ts.ModuleT) []Param {
	switch n := m.(type) {
	case *nn.BatchNorm:
		return []Param{{Name: "weight", Tensor: n.Ws}, {Name: "bias", Tensor: n.Bs}}
	case ParamLister:
		return n.Params()
	default:
		return nil
	}
}
