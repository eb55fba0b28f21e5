package runtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// NodeRuntime configures execution of JavaScript code under Node.js.
type NodeRuntime struct{}

func (n *NodeRuntime) Name() string { return "node" }

func (n *NodeRuntime) Image() string { return "docker.io/library/node:22-slim" }

func (n *NodeRuntime) Command(codePath string) []string {
	return []string{"node", "--no-warnings", codePath}
}

func (n *NodeRuntime) FileExtension() string { return ".js" }

func (n *NodeRuntime) Precheck(code, entryPoint string) error {
	entryPoint, err := checkEntryPoint(entryPoint)
	if err != nil {
		return err
	}
	if err := checkBalanced(code, "\"'`"); err != nil {
		return err
	}

	// function run(...), const run = ..., let/var run = ..., async variants.
	q := regexp.QuoteMeta(entryPoint)
	defRe := regexp.MustCompile(`(?m)(?:function\s+` + q + `\s*\(|(?:const|let|var)\s+` + q + `\s*=|` + q + `\s*=\s*(?:async\s*)?(?:function|\())`)
	if !defRe.MatchString(code) {
		return fmt.Errorf("entry point %q is not defined", entryPoint)
	}
	return nil
}

// Harness resolves the entry point's return value through Promise.resolve so
// both sync and async functions yield a value line.
func (n *NodeRuntime) Harness(code, entryPoint string, args []json.RawMessage) (string, error) {
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
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "const _aiexecArgs = JSON.parse(Buffer.from(%q, \"base64\").toString(\"utf8\"));\n", encoded)
	fmt.Fprintf(&b, "Promise.resolve(%s(..._aiexecArgs)).then((v) => {\n", entryPoint)
	fmt.Fprintf(&b, "  process.stdout.write(%q + JSON.stringify(v === undefined ? null : v) + \"\\n\");\n", ValueMarker)
	b.WriteString("}).catch((err) => {\n")
	b.WriteString("  console.error(err && err.stack ? err.stack : String(err));\n")
	b.WriteString("  process.exit(1);\n")
	b.WriteString("});\n")
	return b.String(), nil
}
