package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"aiexec-sandbox/internal/auth"
	"aiexec-sandbox/internal/config"
	"aiexec-sandbox/internal/storage"
)

var (
	serverURL  string
	apiKey     string
	bearer     string
	timeout    string
	language   string
	entryPoint string
	argsJSON   string
	memoryMB   int64
)

func main() {
	root := &cobra.Command{
		Use:   "aiexec",
		Short: "CLI client for the aiexec code execution engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("AIEXEC_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&bearer, "token", os.Getenv("AIEXEC_TOKEN"), "Session token")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Validate and run code (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, node, bash, wasm)")
	execCmd.Flags().StringVar(&entryPoint, "entry-point", "", "Entry point function (default run)")
	execCmd.Flags().StringVar(&argsJSON, "args", "", "Entry point arguments as a JSON array")
	execCmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Validate and run code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execFileCmd.Flags().StringVar(&entryPoint, "entry-point", "", "Entry point function (default run)")
	execFileCmd.Flags().StringVar(&argsJSON, "args", "", "Entry point arguments as a JSON array")
	execFileCmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	})

	superuserCmd := &cobra.Command{
		Use:   "superuser",
		Short: "Superuser account management",
	}
	var elevatedToken string
	createCmd := &cobra.Command{
		Use:   "create [username]",
		Short: "Create a superuser account (requires elevated proof)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuperuserCreate(args[0], elevatedToken)
		},
	}
	createCmd.Flags().StringVar(&elevatedToken, "elevated-token", os.Getenv("AIEXEC_ELEVATED_TOKEN"), "Elevated token proving superuser intent")
	superuserCmd.AddCommand(createCmd)
	root.AddCommand(superuserCmd)

	loginCmd := &cobra.Command{
		Use:   "login [username]",
		Short: "Exchange a password for a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(args[0])
		},
	}
	root.AddCommand(loginCmd)

	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "API key management (writes to the key store directly)",
	}
	var keyRole string
	var keyElevated bool
	var keyTTL time.Duration
	keyIssueCmd := &cobra.Command{
		Use:   "issue [username]",
		Short: "Mint an API key and store its hash (requires AIEXEC_DATABASE_URL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyIssue(args[0], keyRole, keyElevated, keyTTL)
		},
	}
	keyIssueCmd.Flags().StringVar(&keyRole, "role", "standard", "Role for the key (standard or superuser)")
	keyIssueCmd.Flags().BoolVar(&keyElevated, "elevated", false, "Key may authorize privileged operations")
	keyIssueCmd.Flags().DurationVar(&keyTTL, "ttl", 0, "Key lifetime (0 means no expiry)")
	keyCmd.AddCommand(keyIssueCmd)
	root.AddCommand(keyCmd)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Token management",
	}
	var issueElevated bool
	issueCmd := &cobra.Command{
		Use:   "issue [username]",
		Short: "Issue a session or elevated token signed with the local secret key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(args[0], issueElevated)
		},
	}
	issueCmd.Flags().BoolVar(&issueElevated, "elevated", false, "Issue a short-lived elevated token instead of a session")
	tokenCmd.AddCommand(issueCmd)
	root.AddCommand(tokenCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeCode(code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		switch ext := filepath.Ext(args[0]); ext {
		case ".py":
			language = "python"
		case ".js":
			language = "node"
		case ".sh":
			language = "bash"
		case ".wasm":
			language = "wasm"
		default:
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}

	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
		"timeout":  timeout,
		"limits": map[string]any{
			"memory_mb": memoryMB,
		},
	}
	if entryPoint != "" {
		payload["entry_point"] = entryPoint
	}
	if argsJSON != "" {
		var callArgs []json.RawMessage
		if err := json.Unmarshal([]byte(argsJSON), &callArgs); err != nil {
			return fmt.Errorf("--args must be a JSON array: %w", err)
		}
		payload["args"] = callArgs
	}

	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+"/api/v1/validate/code", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Exit with the sandbox exit code so shell pipelines see failures.
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}

	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	req, _ := http.NewRequest("GET", serverURL+"/api/v1/executions", nil)
	setAuth(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runSuperuserCreate(username, elevatedToken string) error {
	if elevatedToken == "" {
		return fmt.Errorf("an elevated token is required (--elevated-token or AIEXEC_ELEVATED_TOKEN)")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	password, err := readLine()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	req, err := http.NewRequest("POST", serverURL+"/api/v1/admin/superuser", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Elevated-Token", elevatedToken)
	setAuth(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func runLogin(username string) error {
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := readLine()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	resp, err := http.Post(serverURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %v", result["error"])
	}

	// The token alone on stdout, so `export AIEXEC_TOKEN=$(aiexec login ...)`
	// works.
	fmt.Println(result["token"])
	return nil
}

// runKeyIssue mints an API key against the database directly. Intended for
// operators on the server host; only the fingerprint and hash are stored,
// the token prints exactly once.
func runKeyIssue(username, role string, elevated bool, ttl time.Duration) error {
	dsn := os.Getenv("AIEXEC_DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("AIEXEC_DATABASE_URL is required to reach the key store")
	}
	if role != string(auth.RoleStandard) && role != string(auth.RoleSuperuser) {
		return fmt.Errorf("role must be standard or superuser, got %q", role)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	token := "aiexec_" + hex.EncodeToString(raw)

	hash, err := auth.HashAPIKey(token)
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := storage.New(ctx, config.DatabaseConfig{DSN: dsn})
	if err != nil {
		return err
	}
	defer db.Close()

	key := &storage.APIKey{
		Fingerprint: auth.Fingerprint(token),
		Username:    username,
		Role:        role,
		Elevated:    elevated,
		SecretHash:  hash,
	}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := db.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}

	fmt.Println(token)
	return nil
}

// runTokenIssue signs tokens locally with AIEXEC_SECRET_KEY. Intended for
// operators on the server host; clients normally receive tokens from the
// platform.
func runTokenIssue(username string, elevated bool) error {
	secret := os.Getenv("AIEXEC_SECRET_KEY")
	if secret == "" {
		return fmt.Errorf("AIEXEC_SECRET_KEY is required to sign tokens")
	}

	defaults := config.DefaultConfig().Auth
	tokens := auth.NewTokenManager(secret, defaults.SessionTTL, defaults.ElevatedTokenTTL)

	var (
		token string
		err   error
	)
	if elevated {
		token, err = tokens.IssueElevated(username, username, auth.RoleSuperuser)
	} else {
		token, err = tokens.IssueSession(username, username, auth.RoleSuperuser)
	}
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func setAuth(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	} else if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

func readLine() (string, error) {
	var line string
	var b [1]byte
	for {
		n, err := os.Stdin.Read(b[:])
		if n > 0 {
			if b[0] == '\n' {
				break
			}
			if b[0] != '\r' {
				line += string(b[0])
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}
	}
	return line, nil
}
