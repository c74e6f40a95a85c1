package mcuflasher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"klipper-go-flasher/pkg/config"
	"klipper-go-flasher/pkg/shell"
)

// recorder fakes every collaborator and logs calls in order.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	events   []string
	warnings []string
	methods  map[string]func(ctx context.Context, params map[string]any) (any, error)
	configs  []string

	printing   bool
	stopErr    error
	startErr   error
	restartErr error

	// script runs in place of a shell command
	script func(cmd string, opts shell.Options) error
}

func newRecorder() *recorder {
	return &recorder{methods: make(map[string]func(ctx context.Context, params map[string]any) (any, error))}
}

func (r *recorder) log(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) IsPrinting(ctx context.Context) (bool, error) {
	r.log("is_printing")
	return r.printing, nil
}

func (r *recorder) KlipperService() string { return "klipper" }

func (r *recorder) DoServiceAction(ctx context.Context, action, service string) error {
	r.log(action + " " + service)
	if action == "stop" {
		return r.stopErr
	}
	return r.startErr
}

func (r *recorder) DoRestart(ctx context.Context, gc string) error {
	r.log(gc)
	return r.restartErr
}

func (r *recorder) Run(ctx context.Context, cmd string, opts shell.Options) error {
	r.log("run " + cmd)
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(cmd, "python3 ") {
		data, _ := os.ReadFile(filepath.Join(opts.Dir, ".config"))
		r.mu.Lock()
		r.configs = append(r.configs, string(data))
		r.mu.Unlock()
	}
	if r.script != nil {
		return r.script(cmd, opts)
	}
	return nil
}

func (r *recorder) SendEvent(event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%v", data))
}

func (r *recorder) AddWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

func (r *recorder) RegisterMethod(name string, handler func(ctx context.Context, params map[string]any) (any, error)) {
	r.methods[name] = handler
}

func (r *recorder) gotCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) gotEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// runs returns the shell commands executed, without the "run " tag.
func (r *recorder) runs() []string {
	var out []string
	for _, c := range r.gotCalls() {
		if strings.HasPrefix(c, "run ") {
			out = append(out, strings.TrimPrefix(c, "run "))
		}
	}
	return out
}

func (r *recorder) deps(tree string) Deps {
	return Deps{
		KlipperPath: tree,
		Status:      r,
		Services:    r,
		Printer:     r,
		Runner:      r,
		Host:        r,
	}
}

func loadConfig(t *testing.T, data string) *config.Config {
	t.Helper()
	cfg, err := config.LoadString(data)
	require.NoError(t, err)
	return cfg
}

// failOn fails the first command containing substr with a non-zero exit.
func failOn(substr string) func(cmd string, opts shell.Options) error {
	return func(cmd string, opts shell.Options) error {
		if strings.Contains(cmd, substr) {
			if opts.Stderr != nil {
				opts.Stderr("error: " + substr)
			}
			return &shell.CommandError{Cmd: cmd, ReturnCode: 1, Stderr: "error: " + substr}
		}
		return nil
	}
}

func makeCmds(tree string) []string {
	cfg := filepath.Join(tree, ".config")
	return []string{
		"python3 lib/kconfiglib/olddefconfig.py src/Kconfig",
		"make KCONFIG_CONFIG=" + cfg + " olddefconfig",
		"make KCONFIG_CONFIG=" + cfg,
	}
}
