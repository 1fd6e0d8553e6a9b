// Package commands routes chat messages to command handlers.
//
// Commands are registered by space-separated route ("door last") and
// dispatched to a bounded worker pool, so a slow handler never stalls the
// adapter's update loop.
package commands

import (
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "doorbot/internal/runtime/supervisor"
	kit "doorbot/internal/transport"
	logx "doorbot/pkg/logx"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
	DefaultTimeout   = 10 * time.Second
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOwnerOnly commands are refused when no owners are configured.
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "help" or "door last".
	Route       string
	Aliases     []string // root-level aliases
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Message *kit.Message
	Room    string
	FromID  string
	Path    []string // matched command path tokens
	Command string
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the room the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Adapter == nil {
		return errors.New("no adapter")
	}
	return r.Adapter.SendText(ctx, r.Room, text)
}

type Options struct {
	Workers   int
	QueueSize int
	Owners    []string
	// AppSupervisor runs background chores such as the menu update.
	AppSupervisor *rtsup.Supervisor
}

type Manager struct {
	mu sync.RWMutex

	root   *cmdNode
	alias  map[string]*cmdNode // alias -> leaf node
	owners []string

	log     logx.Logger
	adapter kit.Adapter
	appSup  *rtsup.Supervisor
	workers int

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewManager(log logx.Logger, adapter kit.Adapter, opt Options) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = DefaultWorkers
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	return &Manager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  append([]string(nil), opt.Owners...),
		log:     log,
		adapter: adapter,
		appSup:  opt.AppSupervisor,
		workers: opt.Workers,
		jobs:    make(chan func(), opt.QueueSize),
	}
}

// SetAppSupervisor sets the supervisor used for background chores.
// Call before SetRegistry.
func (m *Manager) SetAppSupervisor(sup *rtsup.Supervisor) {
	m.mu.Lock()
	m.appSup = sup
	m.mu.Unlock()
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list. Safe to call during hot reload.
func (m *Manager) SetOwners(owners []string) {
	cp := append([]string(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) ownersSnapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.owners...)
}

// SetRegistry replaces the command set. A help command is always added.
func (m *Manager) SetRegistry(cmds []Command) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		cc := c
		root.add(route, cc)
		menuCandidates = append(menuCandidates, cc)

		leaf := root.find(route)
		// Multi-token routes get a menu-safe alias ("door last" -> door_last).
		// The canonical single-token name is never aliased, or it would
		// short-circuit subcommand traversal.
		if leaf != nil {
			if menu := menuName(strings.Join(route, " ")); menu != "" {
				if len(route) > 1 || menu != route[0] {
					if _, exists := alias[menu]; !exists {
						alias[menu] = leaf
					}
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenuCommands(root, menuCandidates)
		run := func(parent context.Context) {
			ctx, cancel := context.WithTimeout(parent, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}
		m.mu.RLock()
		appSup := m.appSup
		m.mu.RUnlock()
		if appSup != nil {
			appSup.Go0("commands.menu.update", run)
		} else {
			go run(context.Background())
		}
	}
}

// DispatchLoop reads updates until ctx is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "commands"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeMessage(ctx, up)
		}
	}
}

// Dispatch routes one update synchronously, bypassing the worker pool.
func (m *Manager) Dispatch(ctx context.Context, up kit.Update) error {
	job, ok := m.resolve(ctx, up)
	if !ok {
		return nil
	}
	return job()
}

func (m *Manager) routeMessage(root context.Context, up kit.Update) {
	job, ok := m.resolve(root, up)
	if !ok {
		return
	}
	if !m.tryEnqueue(func() { _ = job() }) {
		msg := up.Message
		m.log.Warn("command queue full", logx.String("room", msg.Room))
		_ = m.adapter.SendText(root, msg.Room, "busy, try again")
	}
}

// resolve matches up against the registry. Text that is not a command, or
// names no known command, resolves to nothing.
func (m *Manager) resolve(root context.Context, up kit.Update) (func() error, bool) {
	if up.Message == nil {
		return nil, false
	}
	msg := up.Message
	rest, ok := cutPrefix(strings.TrimSpace(msg.Text))
	if !ok {
		return nil, false
	}
	parts := tokenizeCommandLine(rest)
	if len(parts) == 0 {
		return nil, false
	}
	word := strings.ToLower(parts[0])
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		return m.prepare(root, msg, cmd, splitRoute(cmd.Route), args), true
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// Other bots in the room share the "!" prefix.
		m.log.Debug("ignoring unknown command", logx.String("word", word), logx.String("room", msg.Room))
		return nil, false
	}
	path := []string{word}
	for len(args) > 0 {
		child, ok := cur.child(strings.ToLower(args[0]))
		if !ok {
			break
		}
		cur = child
		path = append(path, child.name)
		args = args[1:]
	}

	if cur.cmd == nil {
		txt := m.helpText(path)
		return func() error { return m.adapter.SendText(root, msg.Room, txt) }, true
	}
	return m.prepare(root, msg, *cur.cmd, path, args), true
}

func (m *Manager) prepare(root context.Context, msg *kit.Message, cmd Command, path, args []string) func() error {
	if cmd.Access == AccessOwnerOnly && !slices.Contains(m.ownersSnapshot(), msg.FromID) {
		return func() error { return m.adapter.SendText(root, msg.Room, "unauthorized") }
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Room:    msg.Room,
		FromID:  msg.FromID,
		Path:    path,
		Command: cmd.Route,
		Args:    args,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.String("room", msg.Room),
			logx.String("from", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	final := Chain(
		cmd.Handle,
		observe(),
		recoverPanic(),
		withTimeout(timeout),
	)
	return func() error { return final(root, req) }
}
