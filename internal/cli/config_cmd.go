package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"parallax/internal/config"
	"parallax/internal/fsutil"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return configInit(path, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func (r *Root) configShow() error {
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func configInit(path string, force bool) error {
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}
	if !force && fsutil.Exists(path) {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
