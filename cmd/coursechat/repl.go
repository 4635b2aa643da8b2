package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/events"
	"github.com/ashureev/coursechat/internal/reconcile"
)

// Watcher streams history change notifications for a token.
type Watcher interface {
	Watch(ctx context.Context, token string, fn func(events.Event)) error
}

const helpText = `Commands:
  /new            start a new chat
  /list           list saved chats
  /open N         open chat N from /list
  /export [N]     save the last course outline (or message N) as PDF
  /clear          delete all saved chats
  /login [TOKEN]  sign in (mints a dev token when TOKEN is omitted)
  /logout         sign out
  /status         show session state
  /help           show this help
  /quit           exit
Anything else is sent as a course request, e.g. "Intro to Go, beginners, 2 weeks".`

// REPL drives a Reconciler from line-oriented input.
type REPL struct {
	in      *bufio.Reader
	out     io.Writer
	outMu   sync.Mutex
	watcher Watcher
	mint    func(userID string) (string, error)
	logger  *slog.Logger
	rec     *reconcile.Reconciler

	// writeFile is replaced in tests.
	writeFile func(name string, data []byte) error

	stopWatch context.CancelFunc
}

// NewREPL creates a REPL. watcher and mint may be nil.
func NewREPL(in *bufio.Reader, out io.Writer, watcher Watcher, mint func(string) (string, error), logger *slog.Logger) *REPL {
	if logger == nil {
		logger = slog.Default()
	}
	return &REPL{
		in:      in,
		out:     out,
		watcher: watcher,
		mint:    mint,
		logger:  logger,
		writeFile: func(name string, data []byte) error {
			return os.WriteFile(name, data, 0o644)
		},
	}
}

// Attach sets the reconciler the REPL drives.
func (r *REPL) Attach(rec *reconcile.Reconciler) {
	r.rec = rec
}

// Run signs in with token when set, then reads commands until /quit, EOF or
// ctx is cancelled.
func (r *REPL) Run(ctx context.Context, token string) error {
	defer r.unwatch()

	r.printf("Course outline chat. Type /help for commands.\n")
	if token != "" {
		r.signIn(ctx, token)
	} else {
		r.printf("Not signed in: chats will not be saved. Use /login TOKEN.\n")
	}
	r.printSession()

	for {
		if ctx.Err() != nil {
			return nil
		}
		r.printf("> ")
		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				r.printf("\n")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if quit := r.Handle(ctx, strings.TrimSpace(line)); quit {
			return nil
		}
	}
}

// Handle executes one input line and reports whether the REPL should exit.
func (r *REPL) Handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		r.printf("Goodbye!\n")
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/new":
		r.rec.NewChat()
		r.printSession()
	case "/list":
		r.printList()
	case "/open":
		r.open(arg)
	case "/export":
		r.export(ctx, arg)
	case "/clear":
		r.clear(ctx)
	case "/login":
		r.login(ctx, arg)
	case "/logout":
		r.unwatch()
		r.rec.SignOut()
		r.printf("Signed out.\n")
		r.printSession()
	case "/status":
		r.printf("State: %s, %d saved chat(s), active %q\n", r.rec.State(), len(r.rec.History()), r.rec.Active().Title)
	default:
		r.printf("Unknown command %s. Type /help.\n", cmd)
	}
	return false
}

// Confirm asks question on the terminal; only "y" or "yes" accepts.
func (r *REPL) Confirm(_ context.Context, question string) (bool, error) {
	r.printf("%s [y/N] ", question)
	answer, err := r.in.ReadString('\n')
	if err != nil && answer == "" {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (r *REPL) send(ctx context.Context, prompt string) {
	r.printf("%s\n", reconcile.LoadingText)
	before := len(r.rec.Active().Messages)
	if err := r.rec.Send(ctx, prompt); err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	msgs := r.rec.Active().Messages
	// The user turn was already echoed by the terminal.
	for i := before + 1; i < len(msgs); i++ {
		r.printMessage(i+1, msgs[i])
	}
}

func (r *REPL) open(arg string) {
	list := r.rec.History()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(list) {
		r.printf("Usage: /open N, with N between 1 and %d.\n", len(list))
		return
	}
	if err := r.rec.Select(list[n-1].ID); err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	r.printSession()
}

func (r *REPL) export(ctx context.Context, arg string) {
	msgs := r.rec.Active().Messages
	var outline *domain.CourseOutline
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(msgs) {
			r.printf("Usage: /export [N], with N between 1 and %d.\n", len(msgs))
			return
		}
		outline = msgs[n-1].Content.Course
	} else {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].IsCourse {
				outline = msgs[i].Content.Course
				break
			}
		}
	}

	doc, name, err := r.rec.Export(ctx, outline)
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	if err := r.writeFile(name, doc); err != nil {
		r.printf("Error: write %s: %v\n", name, err)
		return
	}
	r.printf("Saved %s (%d bytes).\n", name, len(doc))
}

func (r *REPL) clear(ctx context.Context) {
	n, err := r.rec.ClearAll(ctx)
	switch {
	case errors.Is(err, reconcile.ErrCancelled):
		r.printf("Cancelled.\n")
	case err != nil:
		r.printf("Error: %v\n", err)
	default:
		r.printf("History cleared successfully. %d chat(s) deleted.\n", n)
		r.printSession()
	}
}

func (r *REPL) login(ctx context.Context, token string) {
	if token == "" {
		if r.mint == nil {
			r.printf("Usage: /login TOKEN\n")
			return
		}
		var err error
		if token, err = r.mint("local-user"); err != nil {
			r.printf("Error: %v\n", err)
			return
		}
	}
	r.signIn(ctx, token)
	r.printSession()
}

func (r *REPL) signIn(ctx context.Context, token string) {
	r.unwatch()
	if err := r.rec.SignIn(ctx, token); err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	r.printf("Signed in. %d saved chat(s).\n", len(r.rec.History()))
	r.watch(ctx, token)
}

// watch refreshes the list whenever another client changes this user's history.
func (r *REPL) watch(ctx context.Context, token string) {
	if r.watcher == nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	r.stopWatch = cancel
	go func() {
		err := r.watcher.Watch(wctx, token, func(ev events.Event) {
			r.logger.Debug("History event", "type", ev.Type, "session_id", ev.SessionID)
			if err := r.rec.Refresh(wctx); err != nil {
				r.logger.Warn("History refresh failed", "error", err)
			}
		})
		if err != nil {
			r.logger.Warn("History watch stopped", "error", err)
		}
	}()
}

func (r *REPL) unwatch() {
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
}

func (r *REPL) printSession() {
	s := r.rec.Active()
	r.printf("--- %s ---\n", s.Title)
	for i, m := range s.Messages {
		r.printMessage(i+1, m)
	}
}

func (r *REPL) printList() {
	list := r.rec.History()
	if len(list) == 0 {
		r.printf("No saved chats.\n")
		return
	}
	active := r.rec.Active().ID
	for i, s := range list {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		r.printf("%s %d. %s (%s)\n", marker, i+1, s.Title, s.Timestamp.Local().Format("2006-01-02 15:04"))
	}
}

func (r *REPL) printMessage(n int, m domain.Message) {
	who := "AI"
	if m.Sender == domain.SenderUser {
		who = "You"
	}
	if !m.IsCourse || m.Content.Course == nil {
		r.printf("[%d] %s: %s\n", n, who, m.Content.Text)
		return
	}
	c := m.Content.Course
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s: %s\n", n, who, c.Title)
	for i, mod := range c.Modules {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, mod.Title)
		for _, l := range mod.Lessons {
			fmt.Fprintf(&b, "     - %s\n", l)
		}
		for _, res := range mod.Resources {
			fmt.Fprintf(&b, "     [%s]: %s <%s>\n", res.Type, res.Title, res.Link)
		}
	}
	b.WriteString("     (/export to save as PDF)\n")
	r.printf("%s", b.String())
}

func (r *REPL) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
