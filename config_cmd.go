package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/phototriage/phototriage/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				enc := json.NewEncoder(cc.Out)
				enc.SetIndent("", "  ")

				return enc.Encode(cc.Cfg)
			}

			return config.RenderEffective(cc.Cfg, cc.Out)
		},
	}
}
