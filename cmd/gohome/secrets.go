package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/secrets"
	"github.com/joshp123/gohome-myenergi/plugins/myenergi"
)

func secretsMain(args []string) {
	if len(args) == 0 {
		secretsUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "hub-password":
		hubPasswordCmd(args[1:])
	default:
		secretsUsage()
		os.Exit(2)
	}
}

func secretsUsage() {
	fmt.Println("gohome secrets <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  hub-password --username <serial> [--hubname name] [--validate] [--agenix-repo path] [--json]")
}

type hubPasswordOutput struct {
	Hubname      string `json:"hubname"`
	Username     string `json:"username"`
	AgenixPath   string `json:"agenix_path"`
	PasswordFile string `json:"password_file"`
	Validated    bool   `json:"validated"`
}

func hubPasswordCmd(args []string) {
	flags := flag.NewFlagSet("secrets hub-password", flag.ExitOnError)
	hubname := flags.String("hubname", "", "Hub display name")
	username := flags.String("username", "", "Hub serial used as the API username")
	passwordStdin := flags.Bool("password-stdin", false, "Read the password from stdin without prompting")
	validate := flags.Bool("validate", true, "Check the credentials against the myenergi API first")
	baseURL := flags.String("api-base-url", config.DefaultMyEnergiBaseURL, "myenergi director URL used by --validate")
	agenixRepo := flags.String("agenix-repo", defaultAgenixRepo(), "Path to nix-secrets repo")
	agenixRecipients := flags.String("agenix-recipients", "", "Space-separated recipient override")
	secretsDir := flags.String("secrets-dir", "/run/agenix", "Directory agenix decrypts secrets into on the host")
	jsonOut := flags.Bool("json", false, "Output JSON to stdout")
	_ = flags.Parse(args)

	if strings.TrimSpace(*username) == "" {
		fatal("secrets hub-password", fmt.Errorf("--username is required"))
	}
	if *agenixRepo == "" {
		fatal("secrets hub-password", fmt.Errorf("--agenix-repo is required"))
	}

	password := readPassword(*passwordStdin)
	if password == "" {
		fatal("secrets hub-password", fmt.Errorf("password is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *validate {
		client := myenergi.NewClient(myenergi.ClientConfig{
			BaseURL:  *baseURL,
			Username: strings.TrimSpace(*username),
			Password: password,
			Timeout:  config.DefaultMyEnergiTimeout,
		})
		if err := myenergi.Validate(ctx, client); err != nil {
			fatal("secrets hub-password", err)
		}
	}

	writer := secrets.AgenixWriter{
		RepoPath:   *agenixRepo,
		Recipients: parseRecipients(*agenixRecipients),
	}
	path, err := writer.WriteHubPassword(ctx, *hubname, strings.TrimSpace(*username), password)
	if err != nil {
		fatal("secrets hub-password", err)
	}

	output := hubPasswordOutput{
		Hubname:      *hubname,
		Username:     strings.TrimSpace(*username),
		AgenixPath:   path,
		PasswordFile: filepath.Join(*secretsDir, strings.TrimSuffix(filepath.Base(path), ".age")),
		Validated:    *validate,
	}
	if *jsonOut {
		payload, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			fatal("secrets hub-password", err)
		}
		fmt.Fprintln(os.Stdout, string(payload))
		return
	}

	fmt.Printf("Agenix secret: %s\n", output.AgenixPath)
	fmt.Println("")
	fmt.Println("Add to config.yaml:")
	fmt.Println("  myenergi:")
	fmt.Println("    hubs:")
	if output.Hubname != "" {
		fmt.Printf("      - hubname: %q\n", output.Hubname)
		fmt.Printf("        username: %q\n", output.Username)
	} else {
		fmt.Printf("      - username: %q\n", output.Username)
	}
	fmt.Printf("        password_file: %s\n", output.PasswordFile)
}

func readPassword(fromStdin bool) string {
	reader := bufio.NewReader(os.Stdin)
	if !fromStdin {
		fmt.Print("Hub password: ")
	}
	text, _ := reader.ReadString('\n')
	return strings.TrimRight(text, "\r\n")
}

func parseRecipients(raw string) []string {
	return strings.Fields(raw)
}

func defaultAgenixRepo() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	repo := filepath.Join(home, "code", "nix", "nix-secrets")
	info, err := os.Stat(repo)
	if err != nil || !info.IsDir() {
		return ""
	}
	return repo
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
