// Package secrets writes hub passwords into an agenix-managed secrets repo
// so config can reference them through password_file.
package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeName = regexp.MustCompile(`[^a-z0-9-]+`)

// HubSecretName is the .age file name used for one hub credential.
func HubSecretName(hubname, username string) string {
	parts := []string{"gohome", "myenergi"}
	for _, p := range []string{hubname, username} {
		p = strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(p), "-"), "-")
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-") + ".age"
}

// AgenixWriter encrypts secrets with the agenix CLI.
type AgenixWriter struct {
	RepoPath   string
	RulesPath  string
	Recipients []string
	Exec       string
	SkipRules  bool
}

// WriteHubPassword stores password for the hub and returns the secret path.
func (w AgenixWriter) WriteHubPassword(ctx context.Context, hubname, username, password string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", fmt.Errorf("hub username is required")
	}
	if password == "" {
		return "", fmt.Errorf("hub password is empty")
	}
	return w.Write(ctx, HubSecretName(hubname, username), []byte(password))
}

// Write encrypts plaintext into RepoPath/name, registering name in
// secrets.nix first unless SkipRules is set.
func (w AgenixWriter) Write(ctx context.Context, name string, plaintext []byte) (string, error) {
	if w.RepoPath == "" {
		return "", fmt.Errorf("agenix repo path is required")
	}
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	if !strings.HasSuffix(name, ".age") {
		name += ".age"
	}

	rules := w.RulesPath
	if rules == "" {
		rules = filepath.Join(w.RepoPath, "secrets.nix")
	}
	secretPath := filepath.Join(w.RepoPath, name)

	if !w.SkipRules {
		recipients := w.Recipients
		if len(recipients) == 0 {
			var err error
			if recipients, err = DefaultRecipients(rules); err != nil {
				return "", err
			}
		}
		if err := EnsureSecretEntry(rules, name, recipients); err != nil {
			return "", err
		}
	}

	execName := w.Exec
	if execName == "" {
		execName = "agenix"
	}
	cmd := exec.CommandContext(ctx, execName, "-e", secretPath)
	cmd.Env = append(os.Environ(), "RULES="+rules, "EDITOR=cp /dev/stdin")
	cmd.Stdin = bytes.NewReader(plaintext)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("agenix: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return secretPath, nil
}

// EnsureSecretEntry adds name to secrets.nix when it has no entry yet.
func EnsureSecretEntry(rulesPath, name string, recipients []string) error {
	info, err := os.Stat(rulesPath)
	if err != nil {
		return fmt.Errorf("stat secrets.nix: %w", err)
	}
	content, err := os.ReadFile(rulesPath)
	if err != nil {
		return fmt.Errorf("read secrets.nix: %w", err)
	}
	existing := regexp.MustCompile(regexp.QuoteMeta(`"`+name+`"`) + `\s*\.publicKeys`)
	if existing.Match(content) {
		return nil
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients available for %s", name)
	}

	idx := strings.LastIndex(string(content), "\n}")
	if idx == -1 {
		return fmt.Errorf("secrets.nix missing closing brace")
	}
	entry := fmt.Sprintf("  %q.publicKeys = [ %s ];\n", name, strings.Join(recipients, " "))
	updated := string(content[:idx]) + "\n" + entry + string(content[idx:])
	mode := info.Mode().Perm()
	if mode == 0 {
		mode = 0o600
	}
	return os.WriteFile(rulesPath, []byte(updated), mode)
}

var gohomeRecipients = regexp.MustCompile(`"gohome-[^"]+\.age"\s*\.publicKeys\s*=\s*\[([^\]]+)\]`)

// DefaultRecipients reuses the recipients of the first gohome secret in
// secrets.nix.
func DefaultRecipients(rulesPath string) ([]string, error) {
	content, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read secrets.nix: %w", err)
	}
	match := gohomeRecipients.FindStringSubmatch(string(content))
	if len(match) < 2 {
		return nil, fmt.Errorf("no gohome recipients found in secrets.nix")
	}
	fields := strings.Fields(match[1])
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty recipient list in secrets.nix")
	}
	return fields, nil
}
