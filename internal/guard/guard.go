// Package guard performs a static textual safety check on job scripts before
// execution. It is a coarse lexical filter, not a sandbox: obfuscated or
// indirect invocations (base64 pipes, eval, interpreters fetching code at
// runtime) will not be caught. Treat a pass as "nothing obviously hostile",
// never as proof of safety.
package guard

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openmined/syftrun/internal/log"
)

// DefaultBlocked is the built-in blocklist: destructive filesystem
// operations, privilege escalation, remote-fetch tools, and raw networking
// tools. Matched case-insensitively as substrings of the whole script.
var DefaultBlocked = []string{
	"rm -rf",
	"rm -fr",
	"rmdir",
	"mkfs",
	"fdisk",
	"dd if=",
	":(){",
	"sudo ",
	"su -",
	"passwd",
	"chown ",
	"crontab",
	"systemctl",
	"service ",
	"curl ",
	"wget ",
	"nc -",
	"netcat",
	"telnet ",
	"/dev/tcp",
}

// Validator gates scripts against a blocklist and an optional allowlist.
type Validator struct {
	blocked []string
	allowed map[string]bool
	logger  *slog.Logger
}

// New builds a Validator. An empty blocked list selects DefaultBlocked; a
// non-empty allowed list additionally requires every command token in the
// script to be allowlisted.
func New(blocked, allowed []string) *Validator {
	if len(blocked) == 0 {
		blocked = DefaultBlocked
	}
	var allowSet map[string]bool
	if len(allowed) > 0 {
		allowSet = make(map[string]bool, len(allowed))
		for _, cmd := range allowed {
			allowSet[strings.ToLower(strings.TrimSpace(cmd))] = true
		}
	}
	return &Validator{
		blocked: blocked,
		allowed: allowSet,
		logger:  log.WithComponent("guard"),
	}
}

// Validate reads the script at scriptPath and reports whether it may run,
// with a human-readable reason on rejection. Fails closed: an unreadable
// script is not allowed.
func (v *Validator) Validate(scriptPath string) (bool, string) {
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		v.logger.Warn("failed to read script", "path", scriptPath, "error", err)
		return false, fmt.Sprintf("script unreadable: %v", err)
	}

	content := strings.ToLower(string(data))
	for _, blocked := range v.blocked {
		if strings.Contains(content, strings.ToLower(blocked)) {
			v.logger.Warn("script contains blocked command",
				"path", scriptPath, "blocked", blocked)
			return false, fmt.Sprintf("script contains blocked command %q", blocked)
		}
	}

	if v.allowed != nil {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if !v.allowed[fields[0]] {
				v.logger.Warn("script contains non-allowlisted command",
					"path", scriptPath, "command", fields[0])
				return false, fmt.Sprintf("command %q is not allowlisted", fields[0])
			}
		}
	}

	return true, ""
}
