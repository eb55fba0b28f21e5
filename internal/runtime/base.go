package runtime

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ValueMarker prefixes the stdout line that carries the JSON-encoded return
// value of the entry point. ASCII record separator: it cannot appear in
// ordinary text output by accident.
const ValueMarker = "\x1e"

// DefaultEntryPoint is assumed when a submission declares none.
const DefaultEntryPoint = "run"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Runtime defines how to pre-check and execute code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python", "node", "bash").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// Command returns the command and args to execute the given code.
	// The harnessed code will be written to codePath inside the container.
	Command(codePath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Precheck validates structure without executing anything: balanced
	// delimiters and presence of the declared entry point. Best effort,
	// not a full parser; the sandbox is the real enforcement.
	Precheck(code, entryPoint string) error

	// Harness wraps the user code in a driver that calls entryPoint with
	// args and writes the JSON-encoded return value on a ValueMarker line.
	Harness(code, entryPoint string, args []json.RawMessage) (string, error)
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&NodeRuntime{})
	r.Register(&BashRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		images = append(images, rt.Image())
	}
	return images
}

// checkEntryPoint validates the entry-point name and normalizes the default.
func checkEntryPoint(entryPoint string) (string, error) {
	if entryPoint == "" {
		entryPoint = DefaultEntryPoint
	}
	if !identRe.MatchString(entryPoint) {
		return "", fmt.Errorf("entry point %q is not a valid identifier", entryPoint)
	}
	return entryPoint, nil
}

// checkBalanced verifies bracket pairing outside of string literals. It
// tolerates language differences by only tracking the three bracket kinds
// and the quote characters given.
func checkBalanced(code string, quotes string) error {
	var stack []rune
	var inQuote rune
	escaped := false

	for _, c := range code {
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		if strings.ContainsRune(quotes, c) {
			inQuote = c
			continue
		}
		switch c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 {
				return fmt.Errorf("unbalanced %q", c)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (c == ')' && open != '(') || (c == ']' && open != '[') || (c == '}' && open != '{') {
				return fmt.Errorf("mismatched %q", c)
			}
		}
	}

	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	// An unterminated multi-char quote is common in truncated pastes; a
	// dangling single quote in bash-style text is not worth rejecting here.
	return nil
}

// argsJSON renders the argument list as a single JSON array document.
func argsJSON(args []json.RawMessage) ([]byte, error) {
	if len(args) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(args)
}
