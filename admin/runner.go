// Package admin runs privileged operator commands against the ceremony.
//
// Every command is a validator and a handler. The validator checks the request
// data and may stash a parsed form in ValidatorData; the handler applies it.
package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/anoma/trusted-setup-ceremony/logging"
)

type CommandRequest struct {
	// Data is the decoded JSON payload of the request.
	Data any
	// ValidatorData is set by the validator and read by the handler.
	ValidatorData any
}

type (
	CommandHandler   func(ctx context.Context, request *CommandRequest) (interface{}, error)
	CommandValidator func(request *CommandRequest) error
)

type command struct {
	validator CommandValidator
	handler   CommandHandler
}

type CommandRunner struct {
	mu       sync.RWMutex
	commands map[string]command
}

func NewCommandRunner() *CommandRunner {
	return &CommandRunner{commands: make(map[string]command)}
}

// RegisterCommand adds a command. A nil validator accepts any request.
func (r *CommandRunner) RegisterCommand(name string, validator CommandValidator, handler CommandHandler) {
	if validator == nil {
		validator = func(*CommandRequest) error { return nil }
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = command{validator: validator, handler: handler}
}

func (r *CommandRunner) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := maps.Keys(r.commands)
	slices.Sort(names)
	return names
}

// RunCommand validates and runs the named command.
// Validation failures are returned as InvalidAdminReqError.
func (r *CommandRunner) RunCommand(ctx context.Context, name string, data any) (interface{}, error) {
	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	logger := logging.FromContext(ctx).Named("admin").With(zap.String("command", name))
	req := &CommandRequest{Data: data}
	if err := cmd.validator(req); err != nil {
		if !IsInvalidAdminParameterError(err) {
			err = InvalidAdminReqError{Err: err}
		}
		logger.Info("admin request rejected", zap.Error(err))
		return nil, err
	}

	started := time.Now()
	result, err := cmd.handler(logging.NewContext(ctx, logger), req)
	if err != nil {
		logger.Warn("admin command failed", zap.Error(err), zap.Duration("duration", time.Since(started)))
		return nil, err
	}
	logger.Info("admin command completed", zap.Duration("duration", time.Since(started)))
	return result, nil
}
