package agent

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// tokenEnvVar carries the agent CLI's OAuth token.
const tokenEnvVar = "CLAUDE_CODE_OAUTH_TOKEN"

// loadOAuthToken reads CLAUDE_CODE_OAUTH_TOKEN from the environment first,
// then falls back to <dataDir>/.env.
func loadOAuthToken(dataDir string) string {
	if v := os.Getenv(tokenEnvVar); v != "" {
		return v
	}
	if dataDir == "" {
		return ""
	}
	return readEnvFileVar(filepath.Join(dataDir, ".env"), tokenEnvVar)
}

// readEnvFileVar reads the value of key from a .env file. Both
// "KEY=VALUE" and "export KEY=VALUE" lines are understood, and surrounding
// quotes are dropped. Returns "" if the file or key is missing.
func readEnvFileVar(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == key {
			return strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	return ""
}

// sessionEnv returns the environment for the agent process.
func sessionEnv(dataDir string) []string {
	env := os.Environ()
	if os.Getenv(tokenEnvVar) == "" {
		if tok := loadOAuthToken(dataDir); tok != "" {
			env = append(env, tokenEnvVar+"="+tok)
		}
	}
	return env
}
