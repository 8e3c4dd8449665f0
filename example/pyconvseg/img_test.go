package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"

	"github.com/sugarme/pyconvseg/metric"
)

func TestValidSize(t *testing.T) {
	cases := map[int]int{1: 9, 9: 9, 12: 9, 13: 17, 100: 97, 473: 473, 500: 497}
	for in, want := range cases {
		assert.Equal(t, want, validSize(in), "input %d", in)
		assert.Zero(t, (validSize(in)-1)%8)
	}
}

func TestReadImage(t *testing.T) {
	dir := t.TempDir()
	src := image.NewRGBA(image.Rect(0, 0, 4, 3))
	src.Set(1, 2, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	path := filepath.Join(dir, "x.PNG")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	img, err := readImage(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 3), img.Bounds().Size())

	_, err = readImage(filepath.Join(dir, "x.bmp"))
	assert.Error(t, err)
}

func TestImageTensor(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 9, 17))
	src.SetNRGBA(2, 1, color.NRGBA{R: 255, G: 51, B: 0, A: 255})

	img := toNRGBA(src)
	require.Equal(t, image.Pt(9, 17), img.Bounds().Size())

	x := imageTensor(img, gotch.CPU)
	defer x.MustDrop()
	assert.Equal(t, []int64{1, 3, 17, 9}, x.MustSize())

	vals := x.Float64Values()
	plane := 9 * 17
	at := 1*9 + 2
	assert.InDelta(t, 1.0, vals[at], 1e-6)
	assert.InDelta(t, 0.2, vals[plane+at], 1e-6)
	assert.InDelta(t, 0.0, vals[2*plane+at], 1e-6)
}

func TestResizeToValid(t *testing.T) {
	img := toNRGBA(image.NewNRGBA(image.Rect(0, 0, 100, 60)))
	assert.Equal(t, image.Pt(97, 57), img.Bounds().Size())
}

func TestClassMask(t *testing.T) {
	mask, err := classMask([]int64{0, 1, 2, 3, 4, 5}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), mask.GrayAt(2, 1).Y)

	_, err = classMask([]int64{0, 1}, 2, 3)
	assert.Error(t, err)
	_, err = classMask([]int64{256}, 1, 1)
	assert.Error(t, err)

	colour := colorize(mask)
	assert.Equal(t, color.NRGBA{A: 255}, colour.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 128, A: 255}, colour.NRGBAAt(1, 0))
	assert.Equal(t, color.NRGBA{G: 128, A: 255}, colour.NRGBAAt(2, 0))
	assert.Equal(t, color.NRGBA{R: 128, G: 128, A: 255}, colour.NRGBAAt(0, 1))
}

func TestWriteStats(t *testing.T) {
	stats := classStats([]int64{0, 1, 1, 1}, 3)
	assert.Equal(t, []ClassStat{{0, 1, 0.25}, {1, 3, 0.75}, {2, 0, 0}}, stats)

	path := filepath.Join(t.TempDir(), "stats.csv")
	require.NoError(t, writeStats(path, stats))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(bytes.ReplaceAll(b, []byte("\r"), nil))), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Class,Pixels,Fraction", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "1,3,"))
}

func TestWriteChart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.png")
	require.NoError(t, writeChart(path, classStats([]int64{0, 1, 1, 2}, 3)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	assert.NoError(t, err)
}

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestLoadInput(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 12))
	for i := 0; i < len(src.Pix); i += 4 {
		copy(src.Pix[i:], []uint8{255, 51, 0, 255})
	}

	x, img, err := loadInput(writePNG(t, src), gotch.CPU)
	require.NoError(t, err)
	defer x.MustDrop()

	assert.Equal(t, image.Pt(17, 9), img.Bounds().Size())
	assert.Equal(t, []int64{1, 3, 9, 17}, x.MustSize())
	vals := x.Float64Values()
	plane := 9 * 17
	assert.InDelta(t, 1.0, vals[0], 1e-2)
	assert.InDelta(t, 0.2, vals[plane], 1e-2)
	assert.InDelta(t, 0.0, vals[2*plane], 1e-2)

	_, _, err = loadInput(filepath.Join(t.TempDir(), "missing.png"), gotch.CPU)
	assert.Error(t, err)
}

func TestLabelTensor(t *testing.T) {
	pal := image.NewPaletted(image.Rect(0, 0, 4, 2), color.Palette{color.Black, color.White, color.RGBA{R: 255, A: 255}})
	pal.Pix = []uint8{0, 1, 2, 1, 2, 2, 0, 0}

	y, err := labelTensor(writePNG(t, pal), 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4}, y.MustSize())
	assert.Equal(t, []int64{0, 1, 2, 1, 2, 2, 0, 0}, y.Int64Values())
	y.MustDrop()

	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i / 8) // top half 0, bottom half 1
	}
	y, err = labelTensor(writePNG(t, gray), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 1, 1}, y.Int64Values())
	y.MustDrop()
}

func TestWriteEvaluation(t *testing.T) {
	var buf bytes.Buffer
	writeEvaluation(&buf, &metric.Areas{
		Intersection: []int64{4, 3},
		Union:        []int64{5, 4},
		Target:       []int64{4, 4},
	})

	out := buf.String()
	assert.Contains(t, out, "0.8000")
	assert.Contains(t, out, "0.7500")
	assert.Contains(t, out, "0.7750")
	assert.Contains(t, out, "pixel accuracy 0.8750")
}
