package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/pyconvseg/envconfig"
	"github.com/sugarme/pyconvseg/logutil"
	"github.com/sugarme/pyconvseg/pyconvseg"
)

func NewCLI() *cobra.Command {
	defaults := pyconvseg.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "pyconvseg",
		Short: "PyConv semantic segmentation network",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
			slog.Debug("environment", "values", envconfig.Values())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Int64("layers", defaults.Layers, "Backbone depth (50, 101, 152, 200)")
	flags.Int64("classes", defaults.Classes, "Number of output classes")
	flags.Int64("zoom", defaults.ZoomFactor, "Zoom factor of the prediction grid (1, 2, 4, 8)")
	flags.String("backbone", defaults.Backbone, "Backbone family (resnet, pyconvresnet)")
	flags.Int64("output-stride", defaults.OutputStride, "Backbone output stride (8, 16, 32)")
	flags.Float64("dropout", defaults.Dropout, "Classifier dropout probability")
	flags.String("aux", defaults.Aux.String(), "Auxiliary branch (enabled, disabled)")
	flags.String("weights", "", "Pretrained weights file (default $PYCONVSEG_WEIGHTS)")

	cobra.EnableCommandSorting = false

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print stage shapes and parameter counts",
		Args:  cobra.NoArgs,
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().Int64("size", 473, "Height and width of the traced input")

	predictCmd := &cobra.Command{
		Use:   "predict IMAGE",
		Short: "Segment a PNG, JPEG or TIFF image",
		Args:  cobra.ExactArgs(1),
		RunE:  PredictHandler,
	}
	predictCmd.Flags().StringP("output", "o", "", "Class index mask PNG (default <image>_mask.png)")
	predictCmd.Flags().String("overlay", "", "Write a colour overlay of the mask on the image to this file")
	predictCmd.Flags().Float64("alpha", 0.5, "Overlay opacity")
	predictCmd.Flags().String("stats", "", "Write per-class pixel counts as CSV to this file")
	predictCmd.Flags().String("labels", "", "Ground truth class index mask (PNG); prints IoU and accuracy")
	predictCmd.Flags().String("chart", "", "Write a bar chart of per-class pixel fractions (png, svg, pdf)")

	envs := envconfig.AsMap()
	envVars := []envconfig.EnvVar{envs["PYCONVSEG_DEBUG"], envs["PYCONVSEG_DEVICE"], envs["PYCONVSEG_WEIGHTS"]}
	for _, cmd := range []*cobra.Command{rootCmd, inspectCmd, predictCmd} {
		appendEnvDocs(cmd, envVars)
	}

	rootCmd.AddCommand(inspectCmd, predictCmd)

	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-20s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// configFromFlags builds the model configuration from the persistent flags.
func configFromFlags(cmd *cobra.Command) (pyconvseg.Config, error) {
	config := pyconvseg.DefaultConfig()
	flags := cmd.Flags()

	var err error
	if config.Layers, err = flags.GetInt64("layers"); err != nil {
		return config, err
	}
	if config.Classes, err = flags.GetInt64("classes"); err != nil {
		return config, err
	}
	if config.ZoomFactor, err = flags.GetInt64("zoom"); err != nil {
		return config, err
	}
	if config.Backbone, err = flags.GetString("backbone"); err != nil {
		return config, err
	}
	if config.OutputStride, err = flags.GetInt64("output-stride"); err != nil {
		return config, err
	}
	if config.Dropout, err = flags.GetFloat64("dropout"); err != nil {
		return config, err
	}

	aux, err := flags.GetString("aux")
	if err != nil {
		return config, err
	}
	if config.Aux, err = pyconvseg.ParseAuxMode(aux); err != nil {
		return config, err
	}

	weights, err := flags.GetString("weights")
	if err != nil {
		return config, err
	}
	if weights == "" {
		weights = envconfig.Weights
	}
	config.Pretrained = weights != ""
	config.PretrainedPath = weights

	return config, nil
}

func newModel(cmd *cobra.Command) (*pyconvseg.PyConvSegNet, *nn.VarStore, error) {
	config, err := configFromFlags(cmd)
	if err != nil {
		return nil, nil, err
	}

	vs := nn.NewVarStore(envconfig.Device())
	net, err := pyconvseg.New(vs, config)
	if err != nil {
		return nil, nil, fmt.Errorf("building model: %w", err)
	}
	return net, vs, nil
}
