// Package sandbox evaluates untrusted JavaScript in a node subprocess. Code
// is scanned for blocked identifiers before execution; the return value
// travels back over a one-line JSON protocol on stdout.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agora/internal/fault"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 10 * time.Second

const maxLogBytes = 64 * 1024

// blockedIdentifiers fail the lexical scan before any code runs. The scan is
// on word boundaries so "processItems" stays legal.
var blockedIdentifiers = []string{
	"process", "require", "import", "global", "globalThis",
	"eval", "Function", "fetch", "XMLHttpRequest", "WebAssembly",
}

var blockedRe = func() *regexp.Regexp {
	quoted := make([]string, len(blockedIdentifiers))
	for i, id := range blockedIdentifiers {
		quoted[i] = regexp.QuoteMeta(id)
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
}()

// harness wraps user code in an IIFE, serializes the return value and emits
// it as the final protocol line. console output is captured separately.
const harness = `
const __logs = [];
console.log = (...a) => __logs.push(a.map(String).join(" "));
console.error = console.log;
console.warn = console.log;
(async () => {
  let __ret;
  try {
    __ret = await (async () => { %s })();
  } catch (e) {
    __emit({ type: "error", error: String(e && e.message || e) });
    return;
  }
  let __json;
  try {
    __json = JSON.stringify(__ret === undefined ? null : __ret);
    if (__json === undefined) throw new Error("not serializable");
  } catch (e) {
    __emit({ type: "unserializable" });
    return;
  }
  __emit({ type: "result", data: JSON.parse(__json) });
})();
function __emit(m) {
  m.logs = __logs;
  __stdout(JSON.stringify(m));
}
`

// Result is the sandbox outcome for a successful evaluation.
type Result struct {
	Value json.RawMessage `json:"value"`
	Logs  []string        `json:"logs,omitempty"`
}

type protocolMessage struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Logs  []string        `json:"logs"`
}

// Runner executes JavaScript snippets via a node binary.
type Runner struct {
	nodeBin string
	timeout time.Duration
}

func NewRunner(nodeBin string, timeout time.Duration) *Runner {
	if nodeBin == "" {
		nodeBin = "node"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{nodeBin: nodeBin, timeout: timeout}
}

// Scan runs the lexical blocklist check without executing anything.
func Scan(code string) error {
	if m := blockedRe.FindString(code); m != "" {
		return fault.Newf(fault.BlockedCode, "blocked identifier %q", m)
	}
	return nil
}

// Run scans and then evaluates the code. Validation errors come back as
// fault values; the subprocess itself runs with an empty environment and a
// temp working directory.
func (r *Runner) Run(ctx context.Context, code string) (*Result, error) {
	if err := Scan(code); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	script := buildScript(code)
	tmp, err := os.CreateTemp("", "agora-js-*.js")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sandbox: write script: %w", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, r.nodeBin, tmp.Name())
	cmd.Dir = os.TempDir()
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start node: %w", err)
	}

	var final *protocolMessage
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxLogBytes), maxLogBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var msg protocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		final = &msg
	}

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fault.Newf(fault.RequestTimeout, "evaluation exceeded %s", r.timeout)
	}
	if final == nil {
		if waitErr != nil {
			return nil, fmt.Errorf("sandbox: node exited: %w", waitErr)
		}
		return nil, fmt.Errorf("sandbox: no result emitted")
	}

	switch final.Type {
	case "result":
		return &Result{Value: final.Data, Logs: final.Logs}, nil
	case "unserializable":
		return nil, fault.New(fault.NonJSONSerializableReturn)
	case "error":
		return nil, fmt.Errorf("sandbox: %s", final.Error)
	default:
		return nil, fmt.Errorf("sandbox: unexpected message type %q", final.Type)
	}
}

func buildScript(code string) string {
	// __stdout writes the protocol line directly so the console.log override
	// cannot swallow it.
	prologue := `const __stdout = (s) => require("fs").writeSync(1, s + "\n");` + "\n"
	return prologue + fmt.Sprintf(harness, code)
}
