package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"dispatcher/internal/logging"
)

const (
	// ArgsPlaceholder in an invocation is replaced by the request arguments.
	ArgsPlaceholder = "<args>"

	DefaultReloadInterval = 30 * time.Second
	DefaultNegativeWindow = 5 * time.Second
)

// ErrNotFound reports a name missing from the command table.
var ErrNotFound = errors.New("requested command not found")

// Entry is one registered command.
type Entry struct {
	Name       string
	Invocation string
}

// Noop reports whether the entry has no invocation.
func (e Entry) Noop() bool {
	return strings.TrimSpace(e.Invocation) == ""
}

// Expand substitutes args for the first placeholder, or removes the
// placeholder when args is empty. Invocations without a placeholder ignore args.
func (e Entry) Expand(args string) string {
	return strings.Replace(e.Invocation, ArgsPlaceholder, args, 1)
}

// Argv splits the expanded invocation into program and arguments.
func (e Entry) Argv(args string) []string {
	return strings.Fields(e.Expand(args))
}

// Parse reads a command table. Later duplicates replace earlier ones.
func Parse(r io.Reader) ([]Entry, error) {
	index := make(map[string]int)
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, invocation, _ := strings.Cut(line, "\t")
		entry := Entry{Name: name, Invocation: invocation}
		if i, ok := index[name]; ok {
			entries[i] = entry
			continue
		}
		index[name] = len(entries)
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read command table: %w", err)
	}
	return entries, nil
}

// Load parses the command table at path.
func Load(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open command table: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Options configures a Registry.
type Options struct {
	Path           string
	ReloadInterval time.Duration
	NegativeWindow time.Duration
	Logger         *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry serves lookups from a periodically reloaded command table. It is
// safe for concurrent use.
type Registry struct {
	path           string
	reloadInterval time.Duration
	negativeWindow time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu         sync.Mutex
	commands   map[string]Entry
	lastReload time.Time
}

// New constructs a Registry. The file is read lazily on first lookup.
func New(opts Options) *Registry {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = DefaultReloadInterval
	}
	if opts.NegativeWindow <= 0 {
		opts.NegativeWindow = DefaultNegativeWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		path:           opts.Path,
		reloadInterval: opts.ReloadInterval,
		negativeWindow: opts.NegativeWindow,
		logger:         logging.NewComponentLogger(opts.Logger, "registry"),
		now:            opts.Now,
		commands:       map[string]Entry{},
	}
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.commands[name]
	if !ok && !r.lastReload.IsZero() && now.Before(r.lastReload.Add(r.negativeWindow)) {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if r.lastReload.IsZero() || !ok || now.After(r.lastReload.Add(r.reloadInterval)) {
		r.reloadLocked(now)
		entry, ok = r.commands[name]
	}
	if !ok {
		r.logger.Debug("command lookup missed", logging.String("command", name))
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return entry, nil
}

// Entries reloads the table and returns it sorted by name.
func (r *Registry) Entries() ([]Entry, error) {
	entries, err := Load(r.path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.replaceLocked(entries, r.now())
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// reloadLocked re-reads the table. An unreadable file keeps the previous
// table and leaves lastReload untouched so the next lookup retries.
func (r *Registry) reloadLocked(now time.Time) {
	entries, err := Load(r.path)
	if err != nil {
		logging.WarnWithContext(r.logger, "failed to reload command table", "registry_reload_failed",
			logging.String("path", r.path),
			logging.Error(err),
			logging.Int("kept_commands", len(r.commands)),
			logging.String(logging.FieldImpact, "requests are matched against the previous command table"),
			logging.String(logging.FieldErrorHint, "check that the commands file exists and is readable"))
		return
	}
	r.replaceLocked(entries, now)
	r.logger.Debug("command table reloaded",
		logging.String("path", r.path),
		logging.Int("commands", len(entries)))
}

func (r *Registry) replaceLocked(entries []Entry, now time.Time) {
	commands := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		commands[entry.Name] = entry
	}
	r.commands = commands
	r.lastReload = now
}
