package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelctl/internal/config"
	"modelctl/internal/download"
	"modelctl/internal/httpapi"
	"modelctl/internal/lifecycle"
)

// cliConfig carries the persistent flag values into command bodies.
type cliConfig struct {
	ConfigPath string
	LogLevel   string
	BaseDir    string

	cfg config.Config
	log zerolog.Logger
}

// resolve loads the config file (if given), applies flag overrides, and
// prepares the logger. Called from PersistentPreRunE so every command sees
// the same view.
func (c *cliConfig) resolve() error {
	if c.ConfigPath != "" {
		cfg, err := config.Load(c.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		c.cfg = cfg
	}
	if c.BaseDir != "" {
		c.cfg.BaseDir = c.BaseDir
	}
	if c.LogLevel != "" {
		c.cfg.LogLevel = c.LogLevel
	}
	c.cfg = c.cfg.Normalize()

	lvl, err := zerolog.ParseLevel(c.cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	c.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
	return nil
}

func (c *cliConfig) manager() *lifecycle.Manager {
	return lifecycle.New(c.cfg, c.log)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// buildRootCmdWith constructs the Cobra command tree.
func buildRootCmdWith(cc *cliConfig) *cobra.Command {
	root := &cobra.Command{
		Use:           "modelctl",
		Short:         "Local model lifecycle manager: probe, download, serve",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cc.ConfigPath, "config", "", "Path to a yaml/json/toml config file")
	root.PersistentFlags().StringVar(&cc.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&cc.BaseDir, "base-dir", "", "State directory (default ~/.autoglm)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return cc.resolve()
	}

	root.AddCommand(
		newEnvCmd(cc),
		newModelsCmd(cc),
		newDownloadCmd(cc),
		newDeleteCmd(cc),
		newServeCmd(cc),
		newStopCmd(cc),
		newStatusCmd(cc),
		newAutoCmd(cc),
		newAPICmd(cc),
		newCompletionCmd(root),
	)
	return root
}

func newEnvCmd(cc *cliConfig) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "env",
		Short:   "Probe host capabilities and print the recommendation",
		Example: "  modelctl env\n  modelctl env --refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := cc.manager()
			prof := m.CheckEnvironment(refresh)
			if err := printJSON(prof); err != nil {
				return err
			}
			plan := m.RecommendedSetup()
			fmt.Printf("\nRecommended: %s (%s)\n", plan.RecommendedModel, plan.Reason)
			for _, step := range plan.Steps {
				fmt.Printf("  %d. %s\n", step.Step, step.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Force a new probe instead of the cached profile")
	return cmd
}

func newModelsCmd(cc *cliConfig) *cobra.Command {
	var downloadedOnly bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and downloaded artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := cc.manager().Models()
			if downloadedOnly {
				return printJSON(resp.Downloaded)
			}
			for _, e := range resp.Models {
				mark := " "
				if slices.Contains(resp.Downloaded, e.Name) {
					mark = "*"
				}
				fmt.Printf("%s %-34s %6.1fGB  %-7s %s\n", mark, e.Name, e.SizeGB, e.Quant, e.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&downloadedOnly, "downloaded", false, "List only downloaded model names")
	return cmd
}

func newDownloadCmd(cc *cliConfig) *cobra.Command {
	var mirror bool
	cmd := &cobra.Command{
		Use:     "download [model]",
		Short:   "Download a model; defaults to the host recommendation",
		Args:    cobra.MaximumNArgs(1),
		Example: "  modelctl download\n  modelctl download AutoGLM-Phone-9B --mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := cc.manager()
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				plan := m.RecommendedSetup()
				if !plan.CanRunLocal {
					return fmt.Errorf("host is API-mode only: %s", plan.Reason)
				}
				name = plan.RecommendedModel
			}
			fmt.Printf("downloading %s\n", name)
			return m.DownloadModel(name, mirror, printProgress)
		},
	}
	cmd.Flags().BoolVar(&mirror, "mirror", false, "Use the registry mirror")
	return cmd
}

func printProgress(p download.Progress) {
	switch p.Status {
	case download.StatusDownloading:
		fmt.Printf("\r%-20s %5.1f%%  %6.2f MB/s  ETA %ds   ",
			p.CurrentItem, p.TotalPercent, p.SpeedMBps, p.ETASeconds)
	case download.StatusCompleted:
		fmt.Printf("\rdone%60s\n", "")
	case download.StatusError:
		fmt.Printf("\rfailed: %s\n", p.Error)
	}
}

func newDeleteCmd(cc *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model>",
		Short: "Remove a downloaded model from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.manager().DeleteModel(args[0])
		},
	}
}

func newServeCmd(cc *cliConfig) *cobra.Command {
	var port int
	var gpuMem float64
	var maxLen int
	cmd := &cobra.Command{
		Use:     "serve [model]",
		Short:   "Start the local inference server",
		Args:    cobra.MaximumNArgs(1),
		Example: "  modelctl serve\n  modelctl serve AutoGLM-Phone-9B --port 8000",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				cc.cfg.ServerPort = port
			}
			if gpuMem > 0 {
				cc.cfg.GPUMemoryFraction = gpuMem
			}
			if maxLen > 0 {
				cc.cfg.MaxContextLen = maxLen
			}
			m := cc.manager()
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if err := m.StartServer(name); err != nil {
				return err
			}
			fmt.Printf("server ready at %s\n", m.APIBase())
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Inference server port")
	cmd.Flags().Float64Var(&gpuMem, "gpu-mem", 0, "GPU memory utilization fraction")
	cmd.Flags().IntVar(&maxLen, "max-len", 0, "Maximum model context length")
	return cmd
}

func newStopCmd(cc *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the local inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cc.manager().StopServer()
		},
	}
}

func newStatusCmd(cc *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the lifecycle status snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cc.manager().Status())
		},
	}
}

func newAutoCmd(cc *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "auto",
		Short: "One-shot setup: check, install, download, serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := cc.manager()
			err := m.AutoSetup(cmd.Context(), func(stage string, percent float64) {
				fmt.Printf("\r[%5.1f%%] %-40s", percent, stage)
			})
			fmt.Println()
			if err != nil {
				return err
			}
			fmt.Printf("setup complete, server at %s\n", m.APIBase())
			return nil
		},
	}
}

func newAPICmd(cc *cliConfig) *cobra.Command {
	var addr string
	var corsOrigins []string
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the read-only status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cc.cfg.APIAddr
			}
			m := cc.manager()
			httpapi.SetLogger(cc.log)
			if len(corsOrigins) > 0 {
				httpapi.SetCORSOptions(true, corsOrigins, nil, nil)
			}
			srv := &http.Server{Addr: addr, Handler: httpapi.NewMux(m)}

			errCh := make(chan error, 1)
			go func() {
				cc.log.Info().Str("addr", addr).Msg("status API listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-stop:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable; CORS disabled when unset)")
	return cmd
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenPowerShellCompletionWithDesc(os.Stdout) }})
	return completionCmd
}
