package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"edubot/internal/chat"
	"edubot/internal/conversation"
	"edubot/internal/credentials"
	"edubot/internal/models"
	"edubot/internal/quota"
	"edubot/internal/session"
)

// terminal renders the transcript and implements chat.UI.
type terminal struct {
	in  *bufio.Scanner
	out io.Writer
	mu  sync.Mutex

	user      func(a ...any) string
	assistant func(a ...any) string
	failure   func(a ...any) string
	notice    func(a ...any) string
}

var _ chat.UI = (*terminal)(nil)

func newTerminal(in io.Reader, out io.Writer) *terminal {
	return &terminal{
		in:        bufio.NewScanner(in),
		out:       out,
		user:      color.New(color.FgCyan, color.Bold).SprintFunc(),
		assistant: color.New(color.FgGreen).SprintFunc(),
		failure:   color.New(color.FgRed).SprintFunc(),
		notice:    color.New(color.FgYellow).SprintFunc(),
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) Toast(message string) {
	t.printf("%s\n", t.notice("! "+message))
}

func (t *terminal) ShowMessage(_ string, msg models.Message) {
	switch {
	case msg.IsError:
		t.printf("%s %s\n", t.failure("assistant (error):"), msg.Content)
	case msg.Role == models.RoleAssistant:
		label := "assistant:"
		if n := len(msg.Variants); n > 1 {
			label = fmt.Sprintf("assistant [%d variants]:", n)
		}
		t.printf("%s %s\n", t.assistant(label), msg.Content)
		for _, c := range msg.Citations {
			t.printf("  %s %s\n", t.notice("source:"), c.URL)
		}
	default:
		t.printf("%s %s\n", t.user("you:"), msg.Content)
	}
}

func (t *terminal) OpenSchoolPicker() {
	t.printf("%s\n", t.notice("Which school do you attend? Answer with /school <name>."))
}

func (t *terminal) ShowUpgradePrompt(state models.QuotaState) {
	msg := "You have used all free messages for today."
	if state.BonusAvailable {
		msg += " Claim a bonus with /bonus or upgrade your plan."
	} else {
		msg += " Upgrade your plan to keep going."
	}
	t.printf("%s\n", t.notice(msg))
}

// app dispatches typed lines to the orchestrator.
type app struct {
	ctx    context.Context
	term   *terminal
	client *session.Client
	creds  *credentials.Store
	store  *conversation.Store
	meter  *quota.Meter
	orch   *chat.Orchestrator
	nav    *session.PathTracker
	logger *slog.Logger

	wg sync.WaitGroup
}

const helpText = `commands:
  /login <email> <password>     /register <name> <email> <password>   /logout
  /new  /list  /open <n>  /delete <n>  /pin
  /intake  /school <name>  /stop
  /regen  /variant <n>  /up [comment]  /down [comment]
  /tool <web_search|citations> <on|off>
  /quota  /bonus  /resync  /help  /quit
anything else is sent as a message`

func (a *app) start() {
	a.term.printf("%s\n", a.term.notice("edubot ready. /help lists commands."))
	if a.creds.Authenticated(a.ctx) {
		a.reload()
	}
}

func (a *app) loop() error {
	for {
		a.term.printf("> ")
		if !a.term.in.Scan() {
			break
		}
		line := strings.TrimSpace(a.term.in.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			a.send(line)
			continue
		}
		if quit := a.command(line); quit {
			break
		}
		if a.ctx.Err() != nil {
			break
		}
	}
	a.orch.Stop()
	a.wg.Wait()
	return a.term.in.Err()
}

// send runs in the background so /stop can interrupt the model call.
func (a *app) send(text string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		out, err := a.orch.Send(a.ctx, text)
		a.report(out, err)
	}()
}

func (a *app) report(out chat.Outcome, err error) {
	switch {
	case errors.Is(err, chat.ErrBusy):
		a.term.Toast("still answering; use /stop to cancel")
	case errors.Is(err, session.ErrUnauthenticated):
		a.term.Toast("session expired, please /login again")
	case err != nil:
		a.term.Toast(err.Error())
	case out == chat.OutcomeStopped:
		a.term.Toast("stopped")
	}
}

func (a *app) command(line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, cmd))
	ctx := a.ctx

	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		a.term.printf("%s\n", helpText)
	case "/login":
		if len(args) != 2 {
			err = errors.New("usage: /login <email> <password>")
			break
		}
		if err = a.client.Login(ctx, args[0], args[1]); err == nil {
			a.nav.Navigate("/chat")
			a.term.Toast("signed in")
			a.reload()
		}
	case "/register":
		if len(args) != 3 {
			err = errors.New("usage: /register <name> <email> <password>")
			break
		}
		if err = a.client.Register(ctx, args[0], args[1], args[2]); err == nil {
			a.nav.Navigate("/chat")
			a.term.Toast("account created")
			a.reload()
		}
	case "/logout":
		err = a.client.Logout(ctx)
		a.orch.NewChat()
		a.term.Toast("signed out")
	case "/new":
		a.orch.NewChat()
	case "/list":
		a.list()
	case "/open":
		var conv *models.Conversation
		if conv, err = a.pick(args); err == nil {
			a.orch.Open(conv.ID)
			for _, m := range conv.Messages {
				a.term.ShowMessage(conv.ID, m)
			}
		}
	case "/delete":
		var conv *models.Conversation
		if conv, err = a.pick(args); err == nil {
			err = a.store.Delete(ctx, conv.ID)
		}
	case "/pin":
		var pinned bool
		if pinned, err = a.orch.TogglePin(a.store.Selected()); err == nil {
			a.term.Toast(fmt.Sprintf("pinned: %v", pinned))
		}
	case "/intake":
		err = a.orch.StartGuidedIntake(ctx)
	case "/school":
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			out, err := a.orch.ChooseSchool(ctx, rest)
			a.report(out, err)
		}()
	case "/stop":
		if !a.orch.Stop() {
			a.term.Toast("nothing to stop")
		}
	case "/regen":
		if id, ok := a.lastAssistant(); ok {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.report(0, a.orch.Regenerate(ctx, id))
			}()
		} else {
			err = errors.New("no answer to regenerate")
		}
	case "/variant":
		err = a.variant(args)
	case "/up", "/down":
		rating := models.RatingUp
		if cmd == "/down" {
			rating = models.RatingDown
		}
		if id, ok := a.lastAssistant(); ok {
			err = a.orch.SetFeedback(id, rating, rest)
		} else {
			err = errors.New("no answer to rate")
		}
	case "/tool":
		if len(args) != 2 {
			err = errors.New("usage: /tool <name> <on|off>")
			break
		}
		err = a.orch.SetTool(models.Tool(args[0]), args[1] == "on")
	case "/quota":
		a.showQuota()
	case "/bonus":
		var outcome quota.BonusOutcome
		if outcome, err = a.meter.ClaimBonus(ctx); err == nil {
			a.term.Toast("bonus: " + outcome.String())
			a.showQuota()
		}
	case "/resync":
		err = a.store.Resync(ctx)
	default:
		err = fmt.Errorf("unknown command %s", cmd)
	}
	if err != nil {
		a.report(0, err)
	}
	return false
}

func (a *app) reload() {
	if err := a.store.FetchAll(a.ctx); err != nil {
		a.term.Toast("could not load conversations: " + err.Error())
		return
	}
	a.list()
}

func (a *app) list() {
	convs := a.store.List()
	if len(convs) == 0 {
		a.term.printf("no conversations yet\n")
		return
	}
	selected := a.store.Selected()
	for i, c := range convs {
		mark := " "
		if c.ID == selected {
			mark = "*"
		}
		pin := ""
		if c.Pinned {
			pin = " (pinned)"
		}
		dirty := ""
		if c.Dirty {
			dirty = a.term.failure(" unsaved")
		}
		a.term.printf("%s %2d. %s%s%s\n", mark, i+1, c.Title, pin, dirty)
	}
}

func (a *app) pick(args []string) (*models.Conversation, error) {
	if len(args) != 1 {
		return nil, errors.New("give the conversation number from /list")
	}
	n, err := strconv.Atoi(args[0])
	convs := a.store.List()
	if err != nil || n < 1 || n > len(convs) {
		return nil, fmt.Errorf("no conversation %q", args[0])
	}
	return convs[n-1], nil
}

func (a *app) lastAssistant() (string, bool) {
	conv, ok := a.store.SelectedConversation()
	if !ok {
		return "", false
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == models.RoleAssistant {
			return conv.Messages[i].ID, true
		}
	}
	return "", false
}

func (a *app) variant(args []string) error {
	id, ok := a.lastAssistant()
	if !ok || len(args) != 1 {
		return errors.New("usage: /variant <n>")
	}
	conv, _ := a.store.SelectedConversation()
	msg := conv.Messages[conv.MessageIndex(id)]
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(msg.Variants) {
		return fmt.Errorf("answer has %d variants", len(msg.Variants))
	}
	if err := a.orch.SelectVariant(id, msg.Variants[n-1].ID); err != nil {
		return err
	}
	conv, _ = a.store.SelectedConversation()
	a.term.ShowMessage(conv.ID, conv.Messages[conv.MessageIndex(id)])
	return nil
}

func (a *app) showQuota() {
	st, err := a.meter.State(a.ctx)
	if err != nil {
		a.term.Toast(err.Error())
		return
	}
	if st.Limit == nil {
		a.term.printf("plan %s: unlimited\n", st.Plan)
		return
	}
	a.term.printf("plan %s: %d of %d messages used today", st.Plan, st.Used, *st.Limit)
	if st.BonusAvailable {
		a.term.printf(" (bonus available)")
	}
	a.term.printf("\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
