package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/pyconvseg/logutil"
)

func InspectHandler(cmd *cobra.Command, args []string) error {
	size, err := cmd.Flags().GetInt64("size")
	if err != nil {
		return err
	}

	net, vs, err := newModel(cmd)
	if err != nil {
		return err
	}

	x := ts.MustRand([]int64{1, 3, size, size}, gotch.Float, vs.Device())
	defer x.MustDrop()

	shapes, err := net.Trace(x)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	var data [][]string
	for _, s := range shapes {
		logutil.Trace("stage", "name", s.Name, "shape", s.Shape)
		data = append(data, []string{s.Name, fmt.Sprint(s.Shape)})
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"STAGE", "OUTPUT SHAPE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintln(out)

	data = data[:0]
	for _, m := range net.Modules() {
		var n int64
		for _, p := range m.Params {
			n += p.Numel()
		}
		data = append(data, []string{m.Name, strconv.Itoa(len(m.Params)), strconv.FormatInt(n, 10)})
	}
	table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"MODULE", "TENSORS", "PARAMETERS"})
	table.SetFooter([]string{"TOTAL", strconv.Itoa(len(net.Parameters())), strconv.FormatInt(net.NumParameters(), 10)})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(data)
	table.Render()

	return nil
}
