package encoder

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/pyconv"
)

// pyconvStageLevels are kernels and groups of the bottleneck PyConv per
// residual stage: four pyramid levels in stage 1 down to a single 3x3 in stage 4.
var pyconvStageLevels = [4]struct{ kernels, groups []int64 }{
	{[]int64{3, 5, 7, 9}, []int64{1, 4, 8, 16}},
	{[]int64{3, 5, 7}, []int64{1, 4, 8}},
	{[]int64{3, 5}, []int64{1, 4}},
	{[]int64{3}, []int64{1}},
}

// pyconvOutChannels splits planes over n pyramid levels.
func pyconvOutChannels(planes int64, n int) []int64 {
	switch n {
	case 4:
		return []int64{planes / 4, planes / 4, planes / 4, planes / 4}
	case 3:
		return []int64{planes / 4, planes / 4, planes / 2}
	case 2:
		return []int64{planes / 2, planes / 2}
	default:
		return []int64{planes}
	}
}

func pyconvConv2(p *nn.Path, stage int, planes, stride, dilation int64) (ts.ModuleT, error) {
	stageLevels := pyconvStageLevels[stage]
	levels, err := pyconv.Levels(pyconvOutChannels(planes, len(stageLevels.kernels)), stageLevels.kernels, stageLevels.groups)
	if err != nil {
		return nil, err
	}

	return pyconv.NewPyConv2d(p, planes, levels, &pyconv.PyConv2dConfig{Stride: stride, Dilation: dilation})
}
