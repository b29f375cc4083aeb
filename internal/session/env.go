package session

import "strings"

// promptCommand forces a "[PATH] <cwd>" prompt in blue/green for bash,
// overriding whatever PS1 the user's rc files set.
const promptCommand = `export PS1="\[\033[34m\][PATH] \[\033[32m\]\w\[\033[0m\]\n$ ";`

// forced lists variables the host controls for every session.
var forced = []string{"CI", "TERM", "FORCE_COLOR", "PROMPT_COMMAND"}

// Environment applies the fixed session environment policy to base: CI is
// removed so tools keep their colors and spinners, the terminal type is
// xterm-256color, color output is forced and the prompt format is fixed.
func Environment(base []string) []string {
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if isForced(key) {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		"TERM=xterm-256color",
		"FORCE_COLOR=1",
		"PROMPT_COMMAND="+promptCommand,
	)
}

func isForced(key string) bool {
	for _, f := range forced {
		// environment keys are case-insensitive on Windows
		if strings.EqualFold(key, f) {
			return true
		}
	}
	return false
}
