package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultInterpreter runs scripts when no interpreter is configured.
const DefaultInterpreter = "python3"

// DefaultExtensions are the script suffixes accepted by default.
var DefaultExtensions = []string{".py"}

// Spec describes how scripts are launched.
type Spec struct {
	Interpreter     string   `json:"interpreter" mapstructure:"interpreter"`
	InterpreterArgs []string `json:"interpreter_args" mapstructure:"interpreter_args"`
	Extensions      []string `json:"script_extensions" mapstructure:"script_extensions"`
	Env             []string `json:"env" mapstructure:"env"` // final child environment, K=V
}

// DefaultSpec runs python3 unbuffered.
func DefaultSpec() Spec {
	return Spec{
		Interpreter:     DefaultInterpreter,
		InterpreterArgs: []string{"-u"},
		Extensions:      append([]string(nil), DefaultExtensions...),
	}
}

// ValidateScript resolves path to an absolute regular file with an accepted
// extension. Failures carry ErrScriptNotFound.
func (s Spec) ValidateScript(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", Errorf(ErrScriptNotFound, "", "empty script path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", Wrap(ErrScriptNotFound, "", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", Errorf(ErrScriptNotFound, "", "script %s does not exist", abs)
	}
	if !fi.Mode().IsRegular() {
		return "", Errorf(ErrScriptNotFound, "", "script %s is not a regular file", abs)
	}
	if len(s.Extensions) > 0 && !hasExtension(abs, s.Extensions) {
		return "", Errorf(ErrScriptNotFound, "", "script %s must end with one of %s", abs, strings.Join(s.Extensions, ", "))
	}
	return abs, nil
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// BuildCommand returns the interpreter command for scriptPath, running in the
// script's directory inside its own process group.
func (s Spec) BuildCommand(scriptPath string) (*exec.Cmd, error) {
	interp := s.Interpreter
	if interp == "" {
		interp = DefaultInterpreter
	}
	bin, err := exec.LookPath(interp)
	if err != nil {
		return nil, fmt.Errorf("interpreter %s: %w", interp, err)
	}
	args := append(append([]string(nil), s.InterpreterArgs...), scriptPath)
	// #nosec G204 -- interpreter comes from operator config, script is validated
	cmd := exec.Command(bin, args...)
	cmd.Dir = filepath.Dir(scriptPath)
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}
