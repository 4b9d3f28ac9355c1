package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"dispatcher/internal/config"
	"dispatcher/internal/daemonctl"
	"dispatcher/internal/registry"
)

const noopInvocation = "(noop)"

// newTable returns a rounded table that keeps header text as written.
func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	return tw
}

func renderCommands(entries []registry.Entry) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"Name", "Invocation"})
	for _, entry := range entries {
		invocation := entry.Invocation
		if entry.Noop() {
			invocation = noopInvocation
		}
		tw.AppendRow(table.Row{entry.Name, invocation})
	}
	return tw.Render() + "\n"
}

type rowState int

const (
	stateInfo rowState = iota
	stateOK
	stateWarn
	stateError
)

func (s rowState) label() string {
	switch s {
	case stateOK:
		return "ok"
	case stateWarn:
		return "warn"
	case stateError:
		return "error"
	default:
		return "info"
	}
}

func (s rowState) colors() text.Colors {
	switch s {
	case stateOK:
		return text.Colors{text.FgGreen}
	case stateWarn:
		return text.Colors{text.FgYellow}
	case stateError:
		return text.Colors{text.FgRed}
	default:
		return text.Colors{text.FgBlue}
	}
}

type statusRow struct {
	component string
	state     rowState
	detail    string
}

// statusRows describes the dispatcher's socket, lock, pid file and command
// table as seen from outside the daemon.
func statusRows(cfg *config.Config, status daemonctl.Status) []statusRow {
	rows := make([]statusRow, 0, 6)
	if status.Running {
		rows = append(rows, statusRow{"Dispatcher", stateOK, "Running" + pidSuffix(status.PID)})
	} else {
		rows = append(rows, statusRow{"Dispatcher", stateWarn, "Not running"})
	}

	switch {
	case status.SocketPresent:
		rows = append(rows, statusRow{"Socket", stateOK, status.SocketPath})
	case status.Running:
		rows = append(rows, statusRow{"Socket", stateError, status.SocketPath + " (missing)"})
	default:
		rows = append(rows, statusRow{"Socket", stateInfo, status.SocketPath})
	}

	lock := statusRow{"Lock", stateInfo, status.LockPath}
	if status.Running {
		lock.state = stateOK
		lock.detail += " (held)"
	}
	rows = append(rows, lock)

	switch {
	case status.Running && status.PID <= 0:
		rows = append(rows, statusRow{"PID file", stateWarn, cfg.Paths.PIDPath + " (unreadable)"})
	case status.PID > 0:
		rows = append(rows, statusRow{"PID file", stateOK, cfg.Paths.PIDPath})
	default:
		rows = append(rows, statusRow{"PID file", stateInfo, cfg.Paths.PIDPath})
	}

	if entries, err := registry.Load(status.CommandsPath); err != nil {
		detail := err.Error()
		if inner := errors.Unwrap(err); inner != nil {
			detail = inner.Error()
		}
		rows = append(rows, statusRow{"Commands", stateWarn, fmt.Sprintf("%s (%s)", status.CommandsPath, detail)})
	} else {
		rows = append(rows, statusRow{"Commands", stateOK, fmt.Sprintf("%d registered in %s", len(entries), status.CommandsPath)})
	}

	rows = append(rows, statusRow{"Limits", stateInfo, fmt.Sprintf("%d bytes, %d workers, exit %s",
		cfg.Server.MaxMessageBytes, cfg.Server.Workers, yesNo(cfg.Server.AllowExit))})
	return rows
}

func renderStatus(w io.Writer, rows []statusRow, colorize bool) {
	tw := newTable()
	tw.SetTitle("Dispatcher Status")
	tw.AppendHeader(table.Row{"Component", "State", "Detail"})
	for _, row := range rows {
		state := row.state.label()
		if colorize {
			state = row.state.colors().Sprint(state)
		}
		tw.AppendRow(table.Row{row.component, state, row.detail})
	}
	fmt.Fprintln(w, tw.Render())
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
