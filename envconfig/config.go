package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/clockwork/logutil"
)

var (
	// Set via CLOCKWORK_CLOCK in the environment
	Clock int
	// Set via CLOCKWORK_DEBUG in the environment
	Debug int
	// Set via CLOCKWORK_STEPS in the environment
	Steps int
	// Set via CLOCKWORK_SEED in the environment
	Seed int64
	// Set via CLOCKWORK_CONFIG in the environment
	ConfigPath string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CLOCKWORK_CLOCK":  {"CLOCKWORK_CLOCK", Clock, "Steps between full UNet passes (default 4)"},
		"CLOCKWORK_CONFIG": {"CLOCKWORK_CONFIG", ConfigPath, "Path to a UNet config JSON file"},
		"CLOCKWORK_DEBUG":  {"CLOCKWORK_DEBUG", Debug, "Show additional debug information (1 debug, 2 trace)"},
		"CLOCKWORK_SEED":   {"CLOCKWORK_SEED", Seed, "Seed for the initial noise (default 0)"},
		"CLOCKWORK_STEPS":  {"CLOCKWORK_STEPS", Steps, "Number of denoising steps (default 20)"},
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
	// default values
	Clock = 4
	Debug = 0
	Steps = 20
	Seed = 0

	if debug := clean("CLOCKWORK_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = d
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	if c := clean("CLOCKWORK_CLOCK"); c != "" {
		val, err := strconv.Atoi(c)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CLOCKWORK_CLOCK", c, "error", err)
		} else {
			Clock = val
		}
	}

	if s := clean("CLOCKWORK_STEPS"); s != "" {
		val, err := strconv.Atoi(s)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CLOCKWORK_STEPS", s, "error", err)
		} else {
			Steps = val
		}
	}

	if s := clean("CLOCKWORK_SEED"); s != "" {
		val, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "CLOCKWORK_SEED", s, "error", err)
		} else {
			Seed = val
		}
	}

	ConfigPath = clean("CLOCKWORK_CONFIG")
}

// LogLevel maps CLOCKWORK_DEBUG to a slog level.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
