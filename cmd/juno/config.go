package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChamsBouzaiene/juno/internal/config"
	"github.com/ChamsBouzaiene/juno/internal/engine"
)

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.manager.Exists() && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", c.manager.GetConfigPath())
			}
			if err := c.manager.Save(config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", c.manager.GetConfigPath())
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), c.manager.GetConfigPath())
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, after defaults and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(c.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n%s", c.manager.GetConfigPath(), data)

			names := engine.Subagents(c.cfg.ToolNames)
			tools := make([]string, 0, len(names))
			for _, n := range names {
				tool, _ := engine.ToolName(n, c.cfg.ToolNames)
				tools = append(tools, n+"="+tool)
			}
			sort.Strings(tools)
			fmt.Fprintf(out, "# subagents: %s\n", strings.Join(tools, " "))
			return nil
		},
	}

	cmd.AddCommand(initCmd, pathCmd, showCmd)
	return cmd
}
