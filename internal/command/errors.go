package command

import "errors"

var (
	ErrNilHandler     = errors.New("command: nil handler")
	ErrReservedCode   = errors.New("command: code reserved for control")
	ErrUnknownCommand = errors.New("command: unknown command")
	ErrCommandActive  = errors.New("command: command is active")
	ErrNotRunning     = errors.New("command: no command running")
	ErrAlreadyRunning = errors.New("command: command already running")
	ErrStartFailed    = errors.New("command: start failed")
	ErrTaskTimeout    = errors.New("command: task timed out")
	ErrTaskFailed     = errors.New("command: task failed")
	ErrEmptyRequest   = errors.New("command: empty request")
)
