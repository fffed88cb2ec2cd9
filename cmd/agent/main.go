package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fleethub/internal/agent"
	"fleethub/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:   "fleethub-agent",
		Short: "Fleet monitoring agent",
		RunE:  runAgent,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleethub-agent version %s\n", agent.AgentVersion)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "connect to the hub and stream metrics (same as running with no subcommand)",
		RunE:  runAgent,
	})

	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "install the agent as a platform service",
		RunE:  installAgent,
	})

	if err := root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	config, err := agent.LoadConfig()
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}

	collector := agent.NewCollector()
	client := agent.NewClient(config, collector)
	client.Run()
	return nil
}

func installAgent(cmd *cobra.Command, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	if err := service.Detect().Install(agent.ServiceName, exe); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	fmt.Printf("installed %s (%s)\n", agent.ServiceName, exe)
	return nil
}
