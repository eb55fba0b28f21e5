package runtime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// BashRuntime configures execution of shell scripts. Bash has no structured
// value channel; the entry point is invoked as a function with string
// arguments and the result is whatever it writes to stdout.
type BashRuntime struct{}

func (b *BashRuntime) Name() string { return "bash" }

func (b *BashRuntime) Image() string { return "docker.io/library/bash:5" }

func (b *BashRuntime) Command(codePath string) []string {
	return []string{"bash", codePath}
}

func (b *BashRuntime) FileExtension() string { return ".sh" }

func (b *BashRuntime) Precheck(code, entryPoint string) error {
	entryPoint, err := checkEntryPoint(entryPoint)
	if err != nil {
		return err
	}

	// run() { ... } or function run { ... }
	q := regexp.QuoteMeta(entryPoint)
	defRe := regexp.MustCompile(`(?m)^\s*(?:function\s+` + q + `\b|` + q + `\s*\(\s*\))`)
	if !defRe.MatchString(code) {
		return fmt.Errorf("entry point %q is not defined", entryPoint)
	}
	return nil
}

func (b *BashRuntime) Harness(code, entryPoint string, args []json.RawMessage) (string, error) {
	entryPoint, err := checkEntryPoint(entryPoint)
	if err != nil {
		return "", err
	}

	var b2 strings.Builder
	b2.WriteString("set -eu\n\n")
	b2.WriteString(code)
	b2.WriteString("\n\n")
	b2.WriteString(entryPoint)
	for _, arg := range args {
		var s string
		if err := json.Unmarshal(arg, &s); err != nil {
			// Non-string scalars are passed as their JSON text.
			s = string(arg)
		}
		b2.WriteString(" ")
		b2.WriteString(shellQuote(s))
	}
	b2.WriteString("\n")
	return b2.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
