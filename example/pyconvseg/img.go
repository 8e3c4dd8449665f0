package main

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"github.com/sugarme/gotch/vision"
	"golang.org/x/image/draw"
)

// readImage reads image from file.
func readImage(filename string) (image.Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return png.Decode(f)
	case ".jpg", ".jpeg":
		return jpeg.Decode(f)
	case ".tiff", ".tif":
		return tiff.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported image format: %q", filepath.Ext(filename))
	}
}

// validSize returns the 8k+1 size closest to d, at least 9.
func validSize(d int) int {
	k := (d - 1 + 4) / 8
	if k < 1 {
		k = 1
	}
	return 8*k + 1
}

// toNRGBA resizes img to the nearest valid network input size and returns
// it as NRGBA.
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	w, h := validSize(b.Dx()), validSize(b.Dy())
	if w != b.Dx() || h != b.Dy() {
		img = resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

func isTIFF(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tiff", ".tif":
		return true
	}
	return false
}

// loadInput reads the image at path and returns the network input
// [1, 3, H, W] with values in [0, 1], together with the image resized to the
// same valid H x W.
func loadInput(path string, device gotch.Device) (*ts.Tensor, *image.NRGBA, error) {
	src, err := readImage(path)
	if err != nil {
		return nil, nil, err
	}
	img := toNRGBA(src)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	// libtorch's image loader has no TIFF decoder
	if isTIFF(path) {
		return imageTensor(img, device), img, nil
	}

	x, err := vision.LoadAndResize(path, int64(w), int64(h))
	if err != nil {
		return nil, nil, fmt.Errorf("loading %q: %w", path, err)
	}
	x = x.MustTotype(gotch.Float, true).MustDivScalar(ts.FloatScalar(255), true)

	return x.MustUnsqueeze(0, true).MustTo(device, true), img, nil
}

// imageTensor converts a decoded TIFF to a float tensor [1, 3, H, W] with
// values in [0, 1].
func imageTensor(img *image.NRGBA, device gotch.Device) *ts.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	vals := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x+b.Min.X, y+b.Min.Y)
			j := y*w + x
			vals[j] = float32(img.Pix[i]) / 255
			vals[plane+j] = float32(img.Pix[i+1]) / 255
			vals[2*plane+j] = float32(img.Pix[i+2]) / 255
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{1, 3, int64(h), int64(w)}, true).MustTo(device, true)
}

// labelTensor reads a label mask of class indices (gray or paletted PNG) and
// returns it as [1, h, w] int64, resized with nearest neighbour when needed.
func labelTensor(path string, w, h int) (*ts.Tensor, error) {
	src, err := readImage(path)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()

	indices := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if p, ok := src.(*image.Paletted); ok {
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				indices.SetGray(x, y, color.Gray{Y: p.ColorIndexAt(x+b.Min.X, y+b.Min.Y)})
			}
		}
	} else {
		draw.Draw(indices, indices.Bounds(), src, b.Min, draw.Src)
	}

	vals := make([]int64, w*h)
	if b.Dx() == w && b.Dy() == h {
		for i, v := range indices.Pix {
			vals[i] = int64(v)
		}
	} else {
		resized := imaging.Resize(indices, w, h, imaging.NearestNeighbor)
		for i := range vals {
			vals[i] = int64(resized.Pix[4*i])
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{1, int64(h), int64(w)}, true), nil
}

// classMask stores class indices of an h x w prediction as a gray image.
func classMask(pred []int64, h, w int) (*image.Gray, error) {
	if len(pred) != h*w {
		return nil, fmt.Errorf("prediction has %d pixels, expected %d", len(pred), h*w)
	}
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, c := range pred {
		if c < 0 || c > 255 {
			return nil, fmt.Errorf("class %d does not fit an 8-bit mask", c)
		}
		mask.Pix[i] = uint8(c)
	}
	return mask, nil
}

// palette returns the PASCAL VOC colour of class c.
func palette(c int64) color.NRGBA {
	var r, g, b uint8
	for shift := 7; c > 0; shift-- {
		r |= uint8(c&1) << shift
		g |= uint8((c>>1)&1) << shift
		b |= uint8((c>>2)&1) << shift
		c >>= 3
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// colorize paints every pixel of mask with its class colour.
func colorize(mask *image.Gray) *image.NRGBA {
	b := mask.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetNRGBA(x, y, palette(int64(mask.GrayAt(x, y).Y)))
		}
	}
	return out
}
