package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/equiplace/equiplace/pkg/engine"
)

// DefaultProjectNumberScript joins the three module identifiers with dashes.
const DefaultProjectNumberScript = `project_number = "%s-%s-%s" % (project, reference, module)`

const defaultScriptTimeout = 5 * time.Second

// scriptInputs are predeclared for every run, alongside scriptBuiltins.
var scriptInputs = []string{"project", "reference", "module"}

var scriptBuiltins = starlark.StringDict{
	"pad":   starlark.NewBuiltin("pad", builtinPad),
	"upper": starlark.NewBuiltin("upper", builtinUpper),
}

var _ engine.ProjectNumberer = (*ProjectNumberScript)(nil)

// ProjectNumberScript computes project numbers with a Starlark script. The script
// is compiled once; each run gets a fresh thread and fresh globals.
type ProjectNumberScript struct {
	source  string
	timeout time.Duration
	program *starlark.Program
	err     error // compile error, reported by Check and every run
}

// NewProjectNumberScript compiles script. An empty script selects the default and a
// zero timeout selects five seconds.
func NewProjectNumberScript(script string, timeout time.Duration) *ProjectNumberScript {
	if strings.TrimSpace(script) == "" {
		script = DefaultProjectNumberScript
	}
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}

	p := &ProjectNumberScript{source: script, timeout: timeout}
	_, p.program, p.err = starlark.SourceProgram("project_number.star", script, isPredeclared)
	if p.err != nil {
		p.err = fmt.Errorf("invalid project number script: %w", p.err)
	}
	return p
}

func isPredeclared(name string) bool {
	if _, ok := scriptBuiltins[name]; ok {
		return true
	}
	for _, in := range scriptInputs {
		if in == name {
			return true
		}
	}
	return false
}

// Check reports a compile error without running the script.
func (p *ProjectNumberScript) Check() error {
	return p.err
}

// ProjectNumber runs the script for one module and returns its project_number global.
func (p *ProjectNumberScript) ProjectNumber(ctx context.Context, project, reference, module string) (string, error) {
	if p.err != nil {
		return "", p.err
	}

	predeclared := make(starlark.StringDict, len(scriptBuiltins)+len(scriptInputs))
	for k, v := range scriptBuiltins {
		predeclared[k] = v
	}
	predeclared["project"] = starlark.String(project)
	predeclared["reference"] = starlark.String(reference)
	predeclared["module"] = starlark.String(module)

	thread := &starlark.Thread{
		Name:  "project_number",
		Print: func(*starlark.Thread, string) {},
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		globals, err := p.program.Init(thread, predeclared)
		done <- outcome{globals, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		thread.Cancel(runCtx.Err().Error())
		<-done
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("project number script timed out after %v", p.timeout)
		}
		return "", runCtx.Err()
	}
	if out.err != nil {
		var evalErr *starlark.EvalError
		if errors.As(out.err, &evalErr) {
			return "", fmt.Errorf("project number script failed: %s", evalErr.Backtrace())
		}
		return "", fmt.Errorf("project number script failed: %w", out.err)
	}

	raw, ok := out.globals["project_number"]
	if !ok {
		return "", errors.New("project number script did not set project_number")
	}
	number, ok := starlark.AsString(raw)
	if !ok {
		return "", fmt.Errorf("project_number must be a string, got %s", raw.Type())
	}
	return number, nil
}

// builtinPad left-pads with zeros: pad("7", 3) == "007". Ints are formatted first.
func builtinPad(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	var width int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "width", &width); err != nil {
		return nil, err
	}
	if width < 0 {
		return nil, fmt.Errorf("%s: width must not be negative", b.Name())
	}

	var s string
	switch v := value.(type) {
	case starlark.String:
		s = string(v)
	case starlark.Int:
		s = v.String()
	default:
		return nil, fmt.Errorf("%s: value must be string or int, got %s", b.Name(), value.Type())
	}
	if n := width - len(s); n > 0 {
		s = strings.Repeat("0", n) + s
	}
	return starlark.String(s), nil
}

func builtinUpper(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	return starlark.String(strings.ToUpper(s)), nil
}
