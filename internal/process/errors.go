package process

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Match with errors.Is.
var (
	ErrScriptNotFound       = errors.New("script not found")
	ErrAlreadyRunning       = errors.New("process already running")
	ErrProcessNotFound      = errors.New("process not found")
	ErrSpawnFailure         = errors.New("spawn failure")
	ErrRestartLimitExceeded = errors.New("restart limit exceeded")
	ErrLogIO                = errors.New("log io failure")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInvalidArgument      = errors.New("invalid argument")
)

var kindNames = []struct {
	err  error
	name string
}{
	{ErrScriptNotFound, "ScriptNotFound"},
	{ErrAlreadyRunning, "AlreadyRunning"},
	{ErrProcessNotFound, "ProcessNotFound"},
	{ErrSpawnFailure, "SpawnFailure"},
	{ErrRestartLimitExceeded, "RestartLimitExceeded"},
	{ErrLogIO, "LogIOFailure"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrInvalidArgument, "InvalidArgument"},
}

// Error attaches a process id and message to one of the error kinds.
type Error struct {
	Kind error
	ID   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s: %s", e.ID, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind error, id, format string, args ...any) *Error {
	return &Error{Kind: kind, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind error, id string, cause error) *Error {
	return &Error{Kind: kind, ID: id, Msg: kind.Error(), Err: cause}
}

// KindOf returns the stable name of err's kind, or "Internal".
func KindOf(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// KindByName is the inverse of KindOf. Unknown names return nil.
func KindByName(name string) error {
	for _, k := range kindNames {
		if k.name == name {
			return k.err
		}
	}
	return nil
}
