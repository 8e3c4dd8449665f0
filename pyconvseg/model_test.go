package pyconvseg_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/encoder"
	"github.com/sugarme/pyconvseg/pyconvseg"
)

const classes int64 = 21

func newNet(t *testing.T, mutate func(*pyconvseg.Config)) (*pyconvseg.PyConvSegNet, *nn.VarStore) {
	t.Helper()
	config := pyconvseg.DefaultConfig()
	config.Classes = classes
	config.OutputStride = 8
	if mutate != nil {
		mutate(&config)
	}

	vs := nn.NewVarStore(gotch.CPU)
	net, err := pyconvseg.New(vs, config)
	require.NoError(t, err)
	return net, vs
}

func randImage(t *testing.T, h, w int64) *ts.Tensor {
	t.Helper()
	x := ts.MustRand([]int64{1, 3, h, w}, gotch.Float, gotch.CPU)
	t.Cleanup(func() { x.MustDrop() })
	return x
}

// labels builds a [1, h, w] label map cycling through classes with every
// seventh pixel set to the ignore label.
func labels(t *testing.T, h, w int64) *ts.Tensor {
	t.Helper()
	vals := make([]int64, h*w)
	for i := range vals {
		vals[i] = int64(i) % classes
		if i%7 == 0 {
			vals[i] = 255
		}
	}
	y := ts.MustOfSlice(vals).MustView([]int64{1, h, w}, true)
	t.Cleanup(func() { y.MustDrop() })
	return y
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, pyconvseg.DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*pyconvseg.Config)
		want   string
	}{
		{"layers", func(c *pyconvseg.Config) { c.Layers = 34 }, "layers"},
		{"classes", func(c *pyconvseg.Config) { c.Classes = 1 }, "classes"},
		{"zoom", func(c *pyconvseg.Config) { c.ZoomFactor = 3 }, "zoom factor"},
		{"dropout", func(c *pyconvseg.Config) { c.Dropout = 1 }, "dropout"},
		{"backbone", func(c *pyconvseg.Config) { c.Backbone = "vgg" }, "backbone"},
		{"output stride", func(c *pyconvseg.Config) { c.OutputStride = 4 }, "output stride"},
		{"aux unset", func(c *pyconvseg.Config) { c.Aux = pyconvseg.AuxUnset }, "aux mode"},
		{"pretrained path", func(c *pyconvseg.Config) { c.Pretrained = true }, "weights path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := pyconvseg.DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, pyconvseg.ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.want)

			vs := nn.NewVarStore(gotch.CPU)
			_, err = pyconvseg.New(vs, config)
			assert.True(t, errors.Is(err, pyconvseg.ErrInvalidConfig))
			assert.Empty(t, vs.Variables())
		})
	}

	// every problem is reported
	config := pyconvseg.Config{}
	err := config.Validate()
	require.Error(t, err)
	assert.Equal(t, 5, strings.Count(err.Error(), "\n"))
}

func TestParseAuxMode(t *testing.T) {
	m, err := pyconvseg.ParseAuxMode("on")
	require.NoError(t, err)
	assert.Equal(t, pyconvseg.AuxEnabled, m)

	m, err = pyconvseg.ParseAuxMode("disabled")
	require.NoError(t, err)
	assert.Equal(t, pyconvseg.AuxDisabled, m)

	_, err = pyconvseg.ParseAuxMode("")
	assert.True(t, errors.Is(err, pyconvseg.ErrInvalidConfig))
}

func TestOutputSize(t *testing.T) {
	tests := []struct {
		zoom, outputStride int64
		in, want           int64
	}{
		{8, 8, 473, 473},
		{8, 16, 473, 473},
		{4, 8, 473, 237},
		{2, 16, 65, 17},
		{1, 8, 473, 60},
		{1, 16, 473, 30},
		{1, 32, 65, 3},
	}

	for _, tt := range tests {
		config := pyconvseg.DefaultConfig()
		config.ZoomFactor = tt.zoom
		config.OutputStride = tt.outputStride
		h, w, err := config.OutputSize(tt.in, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, h, "zoom %d stride %d", tt.zoom, tt.outputStride)
		assert.Equal(t, tt.want, w)
	}

	config := pyconvseg.DefaultConfig()
	_, _, err := config.OutputSize(100, 100)
	assert.True(t, errors.Is(err, pyconvseg.ErrInputShape))
	_, _, err = config.OutputSize(473, 100)
	assert.True(t, errors.Is(err, pyconvseg.ErrInputShape))
}

func TestForwardRejectsInvalidInput(t *testing.T) {
	net, _ := newNet(t, func(c *pyconvseg.Config) { c.Aux = pyconvseg.AuxEnabled })

	_, err := net.Forward(randImage(t, 100, 100))
	assert.True(t, errors.Is(err, pyconvseg.ErrInputShape))

	flat := ts.MustRand([]int64{3, 65, 65}, gotch.Float, gotch.CPU)
	defer flat.MustDrop()
	_, err = net.Forward(flat)
	assert.True(t, errors.Is(err, pyconvseg.ErrInputShape))

	_, err = net.ForwardTrain(randImage(t, 100, 100), labels(t, 100, 100))
	assert.True(t, errors.Is(err, pyconvseg.ErrInputShape))

	// labels must match the output size, not the input size
	_, err = net.ForwardTrain(randImage(t, 65, 65), labels(t, 64, 65))
	assert.True(t, errors.Is(err, pyconvseg.ErrInputShape))
}

func TestForwardZoomOne(t *testing.T) {
	for _, outputStride := range []int64{8, 16} {
		net, _ := newNet(t, func(c *pyconvseg.Config) {
			c.ZoomFactor = 1
			c.OutputStride = outputStride
			c.Aux = pyconvseg.AuxDisabled
		})

		ts.NoGrad(func() {
			out, err := net.Forward(randImage(t, 65, 65))
			require.NoError(t, err)
			defer out.MustDrop()

			want := int64(9)
			if outputStride == 16 {
				want = 5
			}
			assert.Equal(t, []int64{1, classes, want, want}, out.MustSize())
		})
	}
}

func TestForwardTrainAuxDisabled(t *testing.T) {
	net, _ := newNet(t, func(c *pyconvseg.Config) { c.Aux = pyconvseg.AuxDisabled })

	out, err := net.ForwardTrain(randImage(t, 65, 65), labels(t, 65, 65))
	require.NoError(t, err)
	defer out.Drop()

	assert.Equal(t, []int64{1, 65, 65}, out.Pred.MustSize())
	mainLoss := out.MainLoss.Float64Values()[0]
	assert.False(t, math.IsNaN(mainLoss) || math.IsInf(mainLoss, 0))
	assert.GreaterOrEqual(t, mainLoss, 0.0)
	assert.Equal(t, 0.0, out.AuxLoss.Float64Values()[0])
	assert.Empty(t, out.AuxLoss.MustSize())
}

func TestForwardTrainAuxEnabled(t *testing.T) {
	tests := []struct {
		zoom, outputStride int64
	}{
		{1, 8},
		{8, 8},
		// stage-3 logits (5x5) are larger than the 3x3 output and get resampled down
		{1, 32},
	}

	for _, tt := range tests {
		net, _ := newNet(t, func(c *pyconvseg.Config) {
			c.ZoomFactor = tt.zoom
			c.OutputStride = tt.outputStride
			c.Aux = pyconvseg.AuxEnabled
		})
		h, _, err := net.OutputSize(65, 65)
		require.NoError(t, err)

		out, err := net.ForwardTrain(randImage(t, 65, 65), labels(t, h, h))
		require.NoError(t, err)

		auxLoss := out.AuxLoss.Float64Values()[0]
		assert.False(t, math.IsNaN(auxLoss) || math.IsInf(auxLoss, 0), "zoom %d stride %d", tt.zoom, tt.outputStride)
		assert.Greater(t, auxLoss, 0.0)
		assert.Equal(t, []int64{1, h, h}, out.Pred.MustSize())

		loss := out.MainLoss.MustAdd(out.AuxLoss, false)
		loss.MustBackward()
		loss.MustDrop()
		out.Drop()
	}
}

func TestParameters(t *testing.T) {
	for _, aux := range []pyconvseg.AuxMode{pyconvseg.AuxEnabled, pyconvseg.AuxDisabled} {
		net, vs := newNet(t, func(c *pyconvseg.Config) { c.Aux = aux })

		params := net.Parameters()
		assert.Equal(t, len(vs.TrainableVariables()), len(params))

		vars := vs.Variables()
		var hasAux bool
		for _, p := range params {
			_, ok := vars[p.Name]
			require.True(t, ok, "param %q not in var store", p.Name)
			hasAux = hasAux || strings.HasPrefix(p.Name, "aux.")
		}
		assert.Equal(t, aux == pyconvseg.AuxEnabled, hasAux)

		var total int64
		for _, m := range net.Modules() {
			for _, p := range m.Params {
				total += p.Numel()
			}
		}
		assert.Equal(t, total, net.NumParameters())
	}
}

func TestPyConvResNetBackbone(t *testing.T) {
	net, _ := newNet(t, func(c *pyconvseg.Config) {
		c.Backbone = encoder.PyConvResNet
		c.Aux = pyconvseg.AuxDisabled
	})

	shapes, err := net.Trace(randImage(t, 33, 33))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, classes, 33, 33}, shapes[len(shapes)-1].Shape)
}

func TestTrace(t *testing.T) {
	net, _ := newNet(t, func(c *pyconvseg.Config) { c.Aux = pyconvseg.AuxEnabled })

	shapes, err := net.Trace(randImage(t, 65, 65))
	require.NoError(t, err)

	want := []pyconvseg.StageShape{
		{Name: "layer0", Shape: []int64{1, 64, 17, 17}},
		{Name: "layer1", Shape: []int64{1, 256, 17, 17}},
		{Name: "layer2", Shape: []int64{1, 512, 9, 9}},
		{Name: "layer3", Shape: []int64{1, 1024, 9, 9}},
		{Name: "layer4", Shape: []int64{1, 2048, 9, 9}},
		{Name: "pyconvhead", Shape: []int64{1, 256, 9, 9}},
		{Name: "cls", Shape: []int64{1, classes, 9, 9}},
		{Name: "output", Shape: []int64{1, classes, 65, 65}},
	}
	assert.Equal(t, want, shapes)
}

func TestEndToEnd473(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full resolution forward in short mode")
	}
	net, _ := newNet(t, func(c *pyconvseg.Config) { c.Aux = pyconvseg.AuxEnabled })
	x := randImage(t, 473, 473)

	ts.NoGrad(func() {
		out, err := net.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, classes, 473, 473}, out.MustSize())
		out.MustDrop()
	})

	out, err := net.ForwardTrain(x, labels(t, 473, 473))
	require.NoError(t, err)
	defer out.Drop()

	mainLoss := out.MainLoss.Float64Values()[0]
	assert.False(t, math.IsNaN(mainLoss) || math.IsInf(mainLoss, 0))
	assert.GreaterOrEqual(t, mainLoss, 0.0)

	assert.Equal(t, []int64{1, 473, 473}, out.Pred.MustSize())
	for _, c := range out.Pred.Int64Values() {
		require.True(t, c >= 0 && c < classes, "class %d out of range", c)
	}
}
