package main

import (
	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally"
	tallymcp "github.com/hyperengineering/tally/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio exposing sync
status, queue inspection, retry, pause/resume and offline sale entry.

Example MCP client configuration:

  {
    "mcpServers": {
      "tally": {
        "command": "tally",
        "args": ["mcp"],
        "env": {
          "TALLY_STORE": "shop-12",
          "TALLY_REMOTE_URL": "https://db.example.com",
          "TALLY_API_KEY": "..."
        }
      }
    }
  }

Environment variables:
  TALLY_STORE         Store (tenant) id (default: 'default')
  TALLY_DB_PATH       Path to local SQLite database
  TALLY_REMOTE_URL    PostgREST base URL (enables sync)
  TALLY_API_KEY       API key (required if TALLY_REMOTE_URL set)
  TALLY_POSTGRES_DSN  Direct database connection instead of REST`,
	RunE: runMCP,
}

var mcpAutoSync bool

func init() {
	mcpCmd.Flags().BoolVar(&mcpAutoSync, "auto-sync", true, "Sync in the background while serving")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadAndValidateConfig()
	if err != nil {
		return err
	}
	cfg.AutoSync = mcpAutoSync

	client, err := tally.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	return tallymcp.NewServer(client).Run()
}
