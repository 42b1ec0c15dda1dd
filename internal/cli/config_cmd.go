package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"solararchive/internal/config"
)

// Version is set at build time with -ldflags "-X solararchive/internal/cli.Version=...".
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the configuration file",
	}

	var asTOML bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(asTOML)
		},
	}
	show.Flags().BoolVar(&asTOML, "toml", false, "print as TOML instead of JSON")

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the config path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configInit(force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, initCmd)
	return cmd
}

func (r *Root) configPath() (string, error) {
	if r.cfgPath != "" {
		return r.cfgPath, nil
	}
	return config.Path()
}

func (r *Root) configShow(asTOML bool) error {
	path, err := r.configPath()
	if err != nil {
		return err
	}
	r.printf("# config file: %s\n", path)
	if asTOML {
		data, err := toml.Marshal(r.cfg)
		if err != nil {
			return err
		}
		r.printf("%s", data)
		return nil
	}
	return printJSON(r, r.cfg)
}

func (r *Root) configInit(force bool) error {
	path, err := r.configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := config.Save(config.Default(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	r.printf("wrote default configuration to %s\n", path)
	return nil
}

func (r *Root) cmdVersion() {
	r.printf("solararchive %s\n", Version)
	r.printf("Built with Go %s\n", runtime.Version())
}
