package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ThatCatDev/tanrenai/pocket/internal/config"
	"github.com/ThatCatDev/tanrenai/pocket/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pocket",
	Short: "On-device LLM model manager and chat",
	Long:  "pocket downloads GGUF models, keeps a single model loaded at a time, and chats with it, persisting every conversation locally.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = config.ConfigPath()
		}
		c, err := config.Load(path)
		if err != nil {
			return err
		}

		if dir, _ := cmd.Flags().GetString("models-dir"); dir != "" {
			c.ModelsDir = dir
		}
		if cmd.Flags().Changed("ctx-size") {
			c.CtxSize, _ = cmd.Flags().GetInt("ctx-size")
		}
		if cmd.Flags().Changed("gpu-layers") {
			c.GPULayers, _ = cmd.Flags().GetInt("gpu-layers")
		}
		if noGPU, _ := cmd.Flags().GetBool("no-gpu"); noGPU {
			c.UseGPU = false
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			c.LogLevel = level
		}
		if err := config.EnsureDirs(c); err != nil {
			return err
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		l, err := logging.New(c.LogLevel, verbose)
		if err != nil {
			return err
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config", "", "config file (default "+config.ConfigPath()+")")
	f.String("models-dir", "", "models directory")
	f.Int("ctx-size", 4096, "context window size in tokens")
	f.Int("gpu-layers", 99, "layers to offload to the GPU")
	f.Bool("no-gpu", false, "disable GPU offload")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.BoolP("verbose", "v", false, "debug logging")
}
