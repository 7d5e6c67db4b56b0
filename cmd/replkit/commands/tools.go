package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replkit/replkit/internal/tool"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool catalog exposed to interpreter sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		provider, closeProvider, err := buildProvider(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer closeProvider()

		defs := provider.Definitions()
		if len(defs) == 0 {
			fmt.Println("no tools configured (add mcp servers to replkit.json)")
			return nil
		}
		fmt.Println(tool.FormatDocs(defs))
		return nil
	},
}
