package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"fleethub/internal/hub"
)

var HubVersion = "dev"

func main() {
	root := &cobra.Command{
		Use:   "fleethub",
		Short: "Fleet monitoring hub",
		RunE:  runHub,
	}
	root.Flags().Bool("check", false, "dump diagnostics and exit")
	root.Flags().Bool("reset-password", false, "regenerate the admin password and exit")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleethub version %s\n", HubVersion)
		},
	})

	addServer := &cobra.Command{
		Use:   "add-server <name>",
		Short: "register a server and print its id and agent token",
		Args:  cobra.ExactArgs(1),
		RunE:  runAddServer,
	}
	addServer.Flags().String("location", "", "server location label")
	addServer.Flags().String("provider", "", "hosting provider label")
	addServer.Flags().String("tag", "", "free-form grouping tag")
	root.AddCommand(addServer)

	if err := root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runHub(cmd *cobra.Command, args []string) error {
	check, _ := cmd.Flags().GetBool("check")
	resetPassword, _ := cmd.Flags().GetBool("reset-password")

	if resetPassword {
		creds, _, err := hub.LoadCredentialStore()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
		password := promptOrGeneratePassword(creds)
		fmt.Println("==================== PASSWORD RESET ====================")
		fmt.Printf("New admin password: %s\n", password)
		fmt.Printf("Config file: %s\n", hub.GetConfigPath())
		fmt.Println("==========================================================")
		return nil
	}

	if check {
		showDiagnostics()
		return nil
	}

	store, err := hub.OpenStore(hub.GetDBPath())
	if err != nil {
		fmt.Printf("failed to open time-series store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	creds, initialPassword, err := hub.LoadCredentialStore()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	if initialPassword != nil {
		fmt.Println("==================== FIRST RUN ====================")
		fmt.Printf("Admin password: %s\n", *initialPassword)
		fmt.Println("Save this password. It will not be shown again.")
		fmt.Println("====================================================")
	}

	app := hub.NewApp(creds, store)
	app.Start()
	defer app.Shutdown()
	hub.SetupSignalHandler(creds)

	fmt.Printf("Database: %s\n", hub.GetDBPath())
	fmt.Printf("Config:   %s\n", hub.GetConfigPath())
	fmt.Println("Listening on :8080")

	return app.Router().Run(":8080")
}

// promptOrGeneratePassword asks for a new password when stdin is a terminal,
// falling back to a generated one on empty input or when running
// non-interactively.
func promptOrGeneratePassword(creds *hub.CredentialStore) string {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("New admin password (empty to generate): ")
		entered, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil && len(entered) > 0 {
			password := string(entered)
			creds.SetAdminPassword(password)
			return password
		}
	}
	return creds.ResetAdminPassword()
}

func runAddServer(cmd *cobra.Command, args []string) error {
	creds, _, err := hub.LoadCredentialStore()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	location, _ := cmd.Flags().GetString("location")
	provider, _ := cmd.Flags().GetString("provider")
	tag, _ := cmd.Flags().GetString("tag")

	record := creds.Register(args[0], location, provider, tag)
	fmt.Printf("server_id:   %s\n", record.ID)
	fmt.Printf("agent_token: %s\n", record.AgentToken)
	return nil
}

func showDiagnostics() {
	fmt.Println("config path:", hub.GetConfigPath())
	fmt.Println("db path:    ", hub.GetDBPath())

	creds, _, err := hub.LoadCredentialStore()
	if err != nil {
		fmt.Println("config:     unreadable:", err)
		return
	}
	servers := creds.List()
	fmt.Println("servers:    ", len(servers))
	hash := creds.AdminPasswordHash()
	valid := len(hash) >= 4 && (hash[:3] == "$2a" || hash[:3] == "$2b")
	fmt.Println("admin hash: valid =", valid)
}
