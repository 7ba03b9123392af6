package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/refengine"
	"github.com/roach88/lockstep/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Name           string
	Type           string
	Listen         string
	ConfigFile     string
	DynamicSchemas bool

	// Ready is called with the engine URL once the listener is open
	// (for testing).
	Ready func(url string)
}

// serveFile is the YAML file accepted by --config. Flags and LOCKSTEP_*
// variables override its values.
type serveFile struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	Listen         string `yaml:"listen"`
	DynamicSchemas bool   `yaml:"dynamic_schemas"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a reference engine over WebSocket",
		Long: `Serve one reference engine so that a simulation in another process
can reach it by address.

The engine is exposed at ws://<listen>/engine. A simulation refers to it
with engine: <name>: address: "ws://<listen>/engine"; its config is sent by
the simulation when it initializes the engine.

Settings can come from a YAML file:

  name: gazebo
  type: table
  listen: 127.0.0.1:9001
  dynamic_schemas: false

Example:
  lockstep serve --name gazebo --listen 127.0.0.1:9001
  lockstep serve --config gazebo.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd, opts.EnvFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load settings", err)
			}
			configFile := s.String("config")
			if configFile != "" {
				file, err := readServeFile(configFile)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read config", err)
				}
				if err := s.v.MergeConfigMap(file.values()); err != nil {
					return WrapExitError(ExitCommandError, "failed to read config", err)
				}
			}
			opts.ConfigFile = configFile
			opts.Name = s.String("name")
			opts.Type = s.String("type")
			opts.Listen = s.String("listen")
			opts.DynamicSchemas = s.Bool("dynamic-schemas")
			return serveEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "engine name devices are scoped to (required)")
	cmd.Flags().StringVar(&opts.Type, "type", refengine.TableType, "reference engine type")
	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:9001", "address to listen on")
	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "YAML file with serve settings")
	cmd.Flags().BoolVar(&opts.DynamicSchemas, "dynamic-schemas", false, "allow device data to change shape between steps")

	return cmd
}

// readServeFile decodes path, rejecting unknown keys.
func readServeFile(path string) (*serveFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file serveFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &file, nil
}

// values returns the keys set in the file, named like the flags.
func (f *serveFile) values() map[string]any {
	m := make(map[string]any)
	if f.Name != "" {
		m["name"] = f.Name
	}
	if f.Type != "" {
		m["type"] = f.Type
	}
	if f.Listen != "" {
		m["listen"] = f.Listen
	}
	if f.DynamicSchemas {
		m["dynamic-schemas"] = true
	}
	return m
}

func serveEngine(opts *ServeOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	if opts.Name == "" {
		return NewExitError(ExitCommandError, "engine name is required (--name or name: in --config)")
	}
	eng, err := refengine.New(opts.Type, opts.Name)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	srvOpts := []server.Option{server.WithLogger(logger)}
	if opts.DynamicSchemas {
		srvOpts = append(srvOpts, server.WithDynamicSchemas())
	}
	srv := server.New(opts.Name, eng, srvOpts...)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("engine shutdown failed", "engine", opts.Name, "error", err)
		}
	}()

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	url := fmt.Sprintf("ws://%s%s", ln.Addr(), protocol.Path)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("engine serving", "engine", opts.Name, "type", opts.Type, "url", url)
	fmt.Fprintf(cmd.OutOrStdout(), "Engine %s (%s) serving at %s\n", opts.Name, opts.Type, url)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(url)
	}

	if err := protocol.Serve(ctx, ln, srv, protocol.WithHandlerLogger(logger)); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("engine server stopped", "engine", opts.Name, "state", srv.State())
	return nil
}
