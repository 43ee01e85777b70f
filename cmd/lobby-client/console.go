package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/directory"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/lobby"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/skip2/go-qrcode"
)

var (
	errUsage   = errors.New("usage")
	errUnknown = errors.New("unknown command, type help")
	errQuit    = errors.New("quit")
)

const helpText = `commands:
  create <name> [private] [color]   host a new session
  join <code>                       join by join code
  joinid <session id>               join by session id
  quick [color]                     join any open session
  list [color]                      list open sessions
  name <name>                       change your name
  emote <none|smile|frown|shock|love>
  ready | cancel                    toggle the ready check
  filter <color>                    host: change the session colour
  end                               host: return from the game to the lobby
  status                            show the session and roster
  leave | quit`

// console turns command lines into controller calls. It runs on the loop goroutine.
type console struct {
	ctrl     *lobby.Controller
	out      io.Writer
	joinCode string
}

func newConsole(ctrl *lobby.Controller, out io.Writer) *console {
	c := &console{ctrl: ctrl, out: out}
	ctrl.OnError(func(err error) { c.printf("error: %v\n", err) })
	ctrl.OnStateChange(func(state session.State) { c.printf("session is now %s\n", state) })
	ctrl.Model().Subscribe(c.onModelChanged)
	return c
}

func (c *console) printf(format string, v ...any) {
	_, _ = fmt.Fprintf(c.out, format, v...)
}

func (c *console) onModelChanged(s *session.Session) {
	code := s.JoinCode()
	if code == c.joinCode {
		return
	}
	c.joinCode = code
	if code == "" || !s.IsHost() {
		return
	}
	c.printf("join code: %s\n", code)
	if qr, err := qrcode.New(code, qrcode.Medium); err == nil {
		c.printf("%s", qr.ToString(false))
	}
}

func parseColor(args []string, at int) (session.Color, error) {
	if len(args) <= at {
		return session.ColorNone, nil
	}
	color, ok := session.ParseColor(args[at])
	if !ok {
		return session.ColorNone, fmt.Errorf("unknown colour %q", args[at])
	}
	return color, nil
}

func (c *console) execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "help", "?":
		c.printf("%s\n", helpText)
		return nil
	case "create":
		if len(args) < 1 {
			return fmt.Errorf("%w: create <name> [private] [color]", errUsage)
		}
		private := false
		colorAt := 1
		if len(args) > 1 {
			if b, err := strconv.ParseBool(args[1]); err == nil {
				private = b
				colorAt = 2
			} else if strings.EqualFold(args[1], "private") {
				private = true
				colorAt = 2
			}
		}
		color, err := parseColor(args, colorAt)
		if err != nil {
			return err
		}
		return c.ctrl.Create(args[0], private, color)
	case "join":
		if len(args) != 1 {
			return fmt.Errorf("%w: join <code>", errUsage)
		}
		return c.ctrl.JoinByCode(strings.ToUpper(args[0]))
	case "joinid":
		if len(args) != 1 {
			return fmt.Errorf("%w: joinid <session id>", errUsage)
		}
		return c.ctrl.JoinByID(args[0])
	case "quick":
		color, err := parseColor(args, 0)
		if err != nil {
			return err
		}
		return c.ctrl.QuickJoin(color)
	case "list":
		color, err := parseColor(args, 0)
		if err != nil {
			return err
		}
		c.ctrl.Query(color, 20, c.printSummaries)
		return nil
	case "name":
		if len(args) == 0 {
			return fmt.Errorf("%w: name <name>", errUsage)
		}
		return c.ctrl.SetName(strings.Join(args, " "))
	case "emote":
		if len(args) != 1 {
			return fmt.Errorf("%w: emote <name>", errUsage)
		}
		emote, ok := session.ParseEmote(args[0])
		if !ok {
			return fmt.Errorf("unknown emote %q", args[0])
		}
		return c.ctrl.SetEmote(emote)
	case "ready":
		return c.ctrl.SetReady()
	case "cancel":
		return c.ctrl.CancelReady()
	case "filter":
		if len(args) != 1 {
			return fmt.Errorf("%w: filter <color>", errUsage)
		}
		color, err := parseColor(args, 0)
		if err != nil {
			return err
		}
		return c.ctrl.SetFilter(color)
	case "end":
		return c.ctrl.EndGame()
	case "status":
		c.printStatus()
		return nil
	case "leave":
		return c.ctrl.Leave()
	case "quit", "exit":
		return errQuit
	}
	return errUnknown
}

func (c *console) printSummaries(summaries []directory.Summary) {
	if len(summaries) == 0 {
		c.printf("no open sessions\n")
		return
	}
	for _, s := range summaries {
		c.printf("%s  %-20s %-6s %d/%d\n", s.ID, s.Name, s.Filter, s.Players, s.MaxPlayers)
	}
}

func (c *console) printStatus() {
	m := c.ctrl.Model()
	if !m.InSession() {
		c.printf("not in a session\n")
		return
	}
	relayState := "none"
	if t := c.ctrl.Transport(); t != nil {
		relayState = t.State().String()
	}
	c.printf("session %s %q code %s state %s filter %s relay %s\n",
		m.ID(), m.Name(), m.JoinCode(), m.State(), m.Filter(), relayState)
	for _, p := range m.Players() {
		marker := " "
		if p.IsHost() {
			marker = "*"
		}
		c.printf(" %s %-16s %-8s %s\n", marker, p.Name(), p.Emote(), p.Status())
	}
}
