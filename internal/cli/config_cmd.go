package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const version = "1.0.0"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate startrails configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			cfgPath := os.Getenv("STARTRAILS_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/startrails/config.json"
			}
			fmt.Fprintf(w, "# config file: %s\n", cfgPath)

			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			}
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(root.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON instead of YAML")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Startrails v%s\n", version)
			fmt.Fprintf(w, "Built with Go %s\n", runtime.Version())
			fmt.Fprintf(w, "Image backend: %s\n", root.cfg.Image.Backend)
			if path, err := exec.LookPath(root.cfg.Video.FFmpegPath); err == nil {
				fmt.Fprintf(w, "ffmpeg: ✅ %s\n", path)
			} else {
				fmt.Fprintf(w, "ffmpeg: ❌ not found (video mode unavailable)\n")
			}
		},
	}
}
