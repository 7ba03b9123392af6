package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that set command flags:
// LOCKSTEP_DB sets --db, LOCKSTEP_METRICS_ADDR sets --metrics-addr.
const EnvPrefix = "LOCKSTEP"

// settings resolves a command's flags. A flag given on the command line
// wins over the environment, which wins over the flag default.
type settings struct {
	v *viper.Viper
}

// loadSettings reads envFile (or .env in the working directory when
// envFile is empty) into the environment and binds cmd's flags.
// A missing default .env is not an error; a missing envFile is.
func loadSettings(cmd *cobra.Command, envFile string) (*settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return &settings{v: v}, nil
}

func (s *settings) String(key string) string {
	return s.v.GetString(key)
}

func (s *settings) Bool(key string) bool {
	return s.v.GetBool(key)
}

func (s *settings) Int64(key string) int64 {
	return s.v.GetInt64(key)
}

func (s *settings) Duration(key string) time.Duration {
	return s.v.GetDuration(key)
}

// newLogger builds the process logger: text to w, debug level when verbose.
// It also becomes the slog default so library code logging through
// slog.Default() shares the configuration.
func newLogger(verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
