package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	"dispatcher/internal/launcher"
	"dispatcher/internal/logging"
	"dispatcher/internal/registry"
)

// ExitCommand asks the dispatcher to stop.
const ExitCommand = "EXIT"

// Lookup resolves a command name.
type Lookup interface {
	Lookup(name string) (registry.Entry, error)
}

// CommandHandler launches registered programs by name.
type CommandHandler struct {
	Commands Lookup
	Launcher launcher.Launcher
	// AllowExit enables the EXIT request; Stop is called when it arrives.
	AllowExit bool
	Stop      func()
	Logger    *slog.Logger
}

// Handle implements Handler.
func (h *CommandHandler) Handle(ctx context.Context, req *Request) []byte {
	logger := logging.WithContext(ctx, logging.NewComponentLogger(h.Logger, "commands"))
	text := requestText(req.Payload)

	if text == ExitCommand {
		if !h.AllowExit {
			logger.Warn("exit request refused",
				logging.String(logging.FieldEventType, "exit_denied"),
				logging.String("sender", req.SourceName()))
			return []byte(ReplyDenied)
		}
		logger.Info("exiting upon request",
			logging.String(logging.FieldEventType, "exit_requested"),
			logging.String("sender", req.SourceName()))
		if h.Stop != nil {
			h.Stop()
		}
		return []byte(ReplyOK)
	}

	name, args, _ := strings.Cut(text, " ")
	entry, err := h.Commands.Lookup(name)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			logger.Warn("command lookup failed", logging.String("command", name), logging.Error(err))
		}
		logger.Info("command not found", logging.String("command", name))
		return []byte(ReplyNotFound)
	}
	if entry.Noop() {
		logger.Debug("noop command", logging.String("command", name))
		return []byte(ReplyOK)
	}

	argv := entry.Argv(args)
	if h.Launcher == nil {
		return []byte(ReplyCommandFailed)
	}
	if err := h.Launcher.Launch(ctx, argv); err != nil {
		logging.WarnWithContext(logger, "failed to run command", "command_launch_failed",
			logging.String("command", name),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the requested job was not started"),
			logging.String(logging.FieldErrorHint, "check the invocation in the commands file"))
		return []byte(ReplyCommandFailed)
	}
	return []byte(ReplyOK)
}

// requestText reads a payload the way C clients send it: up to the first NUL,
// without a trailing line ending.
func requestText(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	return strings.TrimRight(string(payload), "\r\n")
}
