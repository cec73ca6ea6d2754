package process

import (
	"strings"

	"github.com/loykin/edgevisor/internal/logger"
)

// Spec describes one child process launch. Env is the final environment in
// "KEY=VALUE" form; an empty Env inherits nothing.
type Spec struct {
	Name    string        `json:"name"`
	Command []string      `json:"command"`
	WorkDir string        `json:"work_dir"`
	Env     []string      `json:"-"`
	Log     logger.Config `json:"log"`
}

// SplitCommand turns a command line into argv. Commands that already invoke a
// shell ("sh -c ...") or contain shell metacharacters are run through /bin/sh -c
// so quoting, pipes and redirections keep working; anything else is split on
// whitespace and executed directly.
func SplitCommand(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return nil
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return []string{"/bin/sh", "-c", afterC}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return []string{"/bin/sh", "-c", cmdStr}
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
