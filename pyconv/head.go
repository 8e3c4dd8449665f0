package pyconv

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/base"
)

// Context widths of PyConvHead branches.
const (
	LocalContextPlanes  int64 = 512
	GlobalContextPlanes int64 = 512
)

// PyConvHead runs local and global context blocks over the same features
// and fuses them. Spatial resolution is unchanged.
type PyConvHead struct {
	Local  *LocalPyConvBlock
	Global *GlobalPyConvBlock
	Merge  *MergeLocalGlobal
}

// NewPyConvHead creates PyConvHead mapping inplanes backbone channels to planes.
func NewPyConvHead(p *nn.Path, inplanes, planes int64, norm base.NormFunc) (*PyConvHead, error) {
	local, err := NewLocalPyConvBlock(p.Sub("local_context"), inplanes, LocalContextPlanes, DefaultLocalReduction, norm)
	if err != nil {
		return nil, err
	}
	global, err := NewGlobalPyConvBlock(p.Sub("global_context"), inplanes, GlobalContextPlanes, DefaultGlobalBins, norm)
	if err != nil {
		return nil, err
	}
	merge := NewMergeLocalGlobal(p.Sub("merge_context"), LocalContextPlanes+GlobalContextPlanes, planes, norm)

	return &PyConvHead{
		Local:  local,
		Global: global,
		Merge:  merge,
	}, nil
}

// ForwardT implements ts.ModuleT for PyConvHead.
func (h *PyConvHead) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	local := h.Local.ForwardT(x, train)
	global := h.Global.ForwardT(x, train)

	// Both branches keep the input spatial size, so merging cannot fail here.
	res, err := h.Merge.Merge(local, global, train)
	local.MustDrop()
	global.MustDrop()
	if err != nil {
		panic(err)
	}

	return res
}

// Params implements base.ParamLister.
func (h *PyConvHead) Params() []base.Param {
	params := base.Prefix("local_context", h.Local.Params())
	params = append(params, base.Prefix("global_context", h.Global.Params())...)
	params = append(params, base.Prefix("merge_context", h.Merge.Params())...)
	return params
}
