// Package envconfig reads process settings from PYCONVSEG_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/sugarme/gotch"

	"github.com/sugarme/pyconvseg/logutil"
)

var (
	// Set via PYCONVSEG_DEBUG in the environment: 1/true for debug, 2 for trace
	DebugLevel int
	// Set via PYCONVSEG_DEVICE in the environment: cpu or cuda
	DeviceName string
	// Set via PYCONVSEG_WEIGHTS in the environment
	Weights string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PYCONVSEG_DEBUG":   {"PYCONVSEG_DEBUG", DebugLevel, "Show additional debug information (e.g. PYCONVSEG_DEBUG=1, 2 for per-stage trace)"},
		"PYCONVSEG_DEVICE":  {"PYCONVSEG_DEVICE", DeviceName, "Device to place the model on: cpu or cuda (default cpu)"},
		"PYCONVSEG_WEIGHTS": {"PYCONVSEG_WEIGHTS", Weights, "Path to pretrained weights loaded when --weights is not given"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	DebugLevel = 0
	if debug := clean("PYCONVSEG_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			DebugLevel = n
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				DebugLevel = 1
			}
		} else {
			DebugLevel = 1
		}
	}

	DeviceName = strings.ToLower(clean("PYCONVSEG_DEVICE"))
	switch DeviceName {
	case "", "cpu", "cuda":
	default:
		slog.Error("invalid setting, ignoring", "PYCONVSEG_DEVICE", DeviceName)
		DeviceName = ""
	}

	Weights = clean("PYCONVSEG_WEIGHTS")
}

// LogLevel maps PYCONVSEG_DEBUG to a slog level.
func LogLevel() slog.Level {
	switch {
	case DebugLevel >= 2:
		return logutil.LevelTrace
	case DebugLevel == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Device returns the CUDA device when PYCONVSEG_DEVICE=cuda and one is
// available, CPU otherwise.
func Device() gotch.Device {
	if DeviceName == "cuda" {
		return gotch.NewCuda().CudaIfAvailable()
	}
	return gotch.CPU
}
