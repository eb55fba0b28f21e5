package runtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		codePath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Precheck(code, entryPoint string) error {
	entryPoint, err := checkEntryPoint(entryPoint)
	if err != nil {
		return err
	}
	if err := checkBalanced(code, `"'`); err != nil {
		return err
	}

	defRe := regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+` + regexp.QuoteMeta(entryPoint) + `\s*\(`)
	if !defRe.MatchString(code) {
		return fmt.Errorf("entry point %q is not defined", entryPoint)
	}

	// Lines ending in a colon must be followed by something; a dangling
	// block header is the most common paste truncation.
	trimmed := strings.TrimRight(code, " \t\n")
	if strings.HasSuffix(trimmed, ":") {
		return fmt.Errorf("code ends with an open block")
	}
	return nil
}

// Harness appends a driver that decodes the arguments from base64 (so user
// content can never break out of the literal), calls the entry point, and
// prints the JSON result on a marker line.
func (p *PythonRuntime) Harness(code, entryPoint string, args []json.RawMessage) (string, error) {
	entryPoint, err := checkEntryPoint(entryPoint)
	if err != nil {
		return "", err
	}
	doc, err := argsJSON(args)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(doc)

	var b strings.Builder
	b.WriteString(code)
	b.WriteString("\n\nif __name__ == \"__main__\":\n")
	b.WriteString("    import base64 as _aiexec_b64, json as _aiexec_json\n")
	fmt.Fprintf(&b, "    _aiexec_args = _aiexec_json.loads(_aiexec_b64.b64decode(%q))\n", encoded)
	fmt.Fprintf(&b, "    _aiexec_value = %s(*_aiexec_args)\n", entryPoint)
	fmt.Fprintf(&b, "    print(%q + _aiexec_json.dumps(_aiexec_value), flush=True)\n", ValueMarker)
	return b.String(), nil
}
