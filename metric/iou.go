package metric

import (
	"fmt"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// Areas holds per-class pixel counts of a segmentation evaluation.
type Areas struct {
	Intersection []int64
	Union        []int64
	Target       []int64
}

// IntersectionAndUnion counts per-class intersection, union and target pixels
// between a predicted class map and labels of the same shape. Pixels labelled
// ignore are excluded. Counting runs on the tensors' device.
func IntersectionAndUnion(pred, target *ts.Tensor, classes, ignore int64) (*Areas, error) {
	ps, tsz := pred.MustSize(), target.MustSize()
	if fmt.Sprint(ps) != fmt.Sprint(tsz) {
		return nil, fmt.Errorf("prediction shape %v does not match target shape %v", ps, tsz)
	}

	p := pred.MustTotype(gotch.Int64, false).MustFlatten(0, -1, true)
	defer p.MustDrop()
	t := target.MustTotype(gotch.Int64, false).MustFlatten(0, -1, true)
	defer t.MustDrop()

	valid := t.MustNe(ts.IntScalar(ignore), false)
	defer valid.MustDrop()
	tv := t.MustMaskedSelect(valid, false)
	defer tv.MustDrop()
	pv := p.MustMaskedSelect(valid, false)
	defer pv.MustDrop()

	if tv.Numel() > 0 {
		lo := tv.MustMin(false).Int64Values()[0]
		hi := tv.MustMax(false).Int64Values()[0]
		if lo < 0 || hi >= classes {
			return nil, fmt.Errorf("target labels [%d, %d] out of range [0, %d)", lo, hi, classes)
		}
	}

	// predictions outside [0, classes) count towards no class
	below := pv.MustLt(ts.IntScalar(classes), false)
	inRange := pv.MustGe(ts.IntScalar(0), false).MustLogicalAnd(below, true)
	below.MustDrop()
	output := pv.MustMaskedSelect(inRange, false)
	inRange.MustDrop()
	defer output.MustDrop()

	same := pv.MustEqTensor(tv, false)
	inter := tv.MustMaskedSelect(same, false)
	same.MustDrop()
	defer inter.MustDrop()

	areas := &Areas{
		Intersection: bincount(inter, classes),
		Target:       bincount(tv, classes),
	}
	outputArea := bincount(output, classes)
	areas.Union = make([]int64, classes)
	for c := range outputArea {
		areas.Union[c] = outputArea[c] + areas.Target[c] - areas.Intersection[c]
	}

	return areas, nil
}

// bincount returns the number of occurrences of each value in [0, classes)
// of a 1-D int64 tensor with values in that range.
func bincount(x *ts.Tensor, classes int64) []int64 {
	none := ts.NewTensor()
	counts := x.MustBincount(none, classes, false)
	none.MustDrop()
	vals := counts.Int64Values()
	counts.MustDrop()
	return vals[:classes]
}

// Add accumulates other into a.
func (a *Areas) Add(other *Areas) {
	if a.Intersection == nil {
		n := len(other.Intersection)
		a.Intersection, a.Union, a.Target = make([]int64, n), make([]int64, n), make([]int64, n)
	}
	for c := range other.Intersection {
		a.Intersection[c] += other.Intersection[c]
		a.Union[c] += other.Union[c]
		a.Target[c] += other.Target[c]
	}
}

// IoU returns per-class intersection over union. Classes absent from both
// prediction and target get 0.
func (a *Areas) IoU() []float64 {
	return ratio(a.Intersection, a.Union)
}

// MeanIoU returns mean IoU over classes with a non-empty union.
func (a *Areas) MeanIoU() float64 {
	return meanPresent(a.IoU(), a.Union)
}

// ClassAccuracy returns per-class pixel accuracy.
func (a *Areas) ClassAccuracy() []float64 {
	return ratio(a.Intersection, a.Target)
}

// MeanAccuracy returns mean pixel accuracy over classes present in the target.
func (a *Areas) MeanAccuracy() float64 {
	return meanPresent(a.ClassAccuracy(), a.Target)
}

// PixelAccuracy returns overall fraction of correctly labelled non-ignored pixels.
func (a *Areas) PixelAccuracy() float64 {
	var inter, target int64
	for c := range a.Intersection {
		inter += a.Intersection[c]
		target += a.Target[c]
	}
	if target == 0 {
		return 0
	}
	return float64(inter) / float64(target)
}

func ratio(num, den []int64) []float64 {
	out := make([]float64, len(num))
	for i := range num {
		if den[i] > 0 {
			out[i] = float64(num[i]) / float64(den[i])
		}
	}
	return out
}

func meanPresent(vals []float64, den []int64) float64 {
	var sum float64
	var n int
	for i, v := range vals {
		if den[i] > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
