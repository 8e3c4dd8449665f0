package main

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/pyconvseg/encoder"
	"github.com/sugarme/pyconvseg/metric"
)

// ClassStat is one row of the --stats CSV.
type ClassStat struct {
	Class    int
	Pixels   int
	Fraction float64
}

// classStats counts predicted pixels per class.
func classStats(pred []int64, classes int64) []ClassStat {
	counts := make([]int, classes)
	for _, c := range pred {
		if c >= 0 && c < classes {
			counts[c]++
		}
	}
	stats := make([]ClassStat, classes)
	for c, n := range counts {
		stats[c] = ClassStat{Class: c, Pixels: n}
		if len(pred) > 0 {
			stats[c].Fraction = float64(n) / float64(len(pred))
		}
	}
	return stats
}

func writeStats(path string, stats []ClassStat) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	df := dataframe.LoadStructs(stats)
	if df.Err != nil {
		return df.Err
	}
	return df.WriteCSV(f)
}

// writeChart saves a bar chart of the per-class pixel fractions.
func writeChart(path string, stats []ClassStat) error {
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Predicted pixels per class"
	p.Y.Label.Text = "fraction"

	v := make(plotter.Values, len(stats))
	names := make([]string, len(stats))
	for i, s := range stats {
		v[i] = s.Fraction
		names[i] = strconv.Itoa(s.Class)
	}

	bars, err := plotter.NewBarChart(v, vg.Points(12))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.NominalX(names...)

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

// writeEvaluation prints per-class IoU and accuracy with the means as footer.
func writeEvaluation(w io.Writer, areas *metric.Areas) {
	iou, acc := areas.IoU(), areas.ClassAccuracy()

	var data [][]string
	for c := range iou {
		data = append(data, []string{
			strconv.Itoa(c),
			strconv.FormatInt(areas.Target[c], 10),
			strconv.FormatFloat(iou[c], 'f', 4, 64),
			strconv.FormatFloat(acc[c], 'f', 4, 64),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"CLASS", "PIXELS", "IOU", "ACCURACY"})
	table.SetFooter([]string{
		"MEAN",
		"",
		strconv.FormatFloat(areas.MeanIoU(), 'f', 4, 64),
		strconv.FormatFloat(areas.MeanAccuracy(), 'f', 4, 64),
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "pixel accuracy %.4f\n", areas.PixelAccuracy())
}

func PredictHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	labelsPath, err := flags.GetString("labels")
	if err != nil {
		return err
	}
	output, err := flags.GetString("output")
	if err != nil {
		return err
	}
	overlayPath, err := flags.GetString("overlay")
	if err != nil {
		return err
	}
	alpha, err := flags.GetFloat64("alpha")
	if err != nil {
		return err
	}
	statsPath, err := flags.GetString("stats")
	if err != nil {
		return err
	}
	chartPath, err := flags.GetString("chart")
	if err != nil {
		return err
	}

	input := args[0]
	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + "_mask.png"
	}

	net, vs, err := newModel(cmd)
	if err != nil {
		return err
	}
	if !net.Config().Pretrained {
		slog.Warn("no weights given, the network is randomly initialised")
	}

	x, img, err := loadInput(input, vs.Device())
	if err != nil {
		return err
	}
	defer x.MustDrop()
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	slog.Debug("loaded input", "path", input, "size", img.Bounds().Size())

	outH, outW, err := net.OutputSize(int64(h), int64(w))
	if err != nil {
		return err
	}

	var predicted *ts.Tensor
	ts.NoGrad(func() {
		normalized := encoder.Normalize(x)
		logits, ferr := net.Forward(normalized)
		normalized.MustDrop()
		if ferr != nil {
			err = ferr
			return
		}
		predicted = logits.MustArgmax([]int64{1}, false, true)
	})
	if err != nil {
		return err
	}
	defer predicted.MustDrop()
	pred := predicted.Int64Values()

	mask, err := classMask(pred, int(outH), int(outW))
	if err != nil {
		return err
	}
	if err := imaging.Save(mask, output); err != nil {
		return fmt.Errorf("saving mask: %w", err)
	}
	slog.Info("wrote mask", "path", output, "size", mask.Bounds().Size())

	if overlayPath != "" {
		colour := imaging.Resize(colorize(mask), w, h, imaging.NearestNeighbor)
		overlay := imaging.Overlay(img, colour, image.Pt(0, 0), alpha)
		if err := imaging.Save(overlay, overlayPath); err != nil {
			return fmt.Errorf("saving overlay: %w", err)
		}
		slog.Info("wrote overlay", "path", overlayPath)
	}

	stats := classStats(pred, net.Config().Classes)
	if statsPath != "" {
		if err := writeStats(statsPath, stats); err != nil {
			return fmt.Errorf("writing stats: %w", err)
		}
		slog.Info("wrote stats", "path", statsPath)
	}
	if chartPath != "" {
		if err := writeChart(chartPath, stats); err != nil {
			return fmt.Errorf("writing chart: %w", err)
		}
		slog.Info("wrote chart", "path", chartPath)
	}

	if labelsPath != "" {
		target, err := labelTensor(labelsPath, int(outW), int(outH))
		if err != nil {
			return err
		}
		defer target.MustDrop()

		areas, err := metric.IntersectionAndUnion(predicted, target.MustTo(predicted.MustDevice(), true), net.Config().Classes, metric.IgnoreLabel)
		if err != nil {
			return fmt.Errorf("evaluating %q: %w", labelsPath, err)
		}
		slog.Info("evaluation", "mIoU", areas.MeanIoU(), "mAcc", areas.MeanAccuracy(), "allAcc", areas.PixelAccuracy())
		writeEvaluation(cmd.OutOrStdout(), areas)
	}

	return nil
}
