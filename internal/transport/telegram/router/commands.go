package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cardrelay/internal/board"
	"cardrelay/internal/notifier"
	"cardrelay/internal/relay"
	"cardrelay/internal/tracker"
	kit "cardrelay/internal/transport"
	logx "cardrelay/pkg/logx"
)

// Registry is the part of the tracker registry chat commands touch.
type Registry interface {
	GetTarget(ctx context.Context, trackerID string) (tracker.Target, bool, error)
	Retarget(ctx context.Context, trackerID, channelID string, to tracker.Target) (tracker.Target, error)
}

// Members lists the people on the watched board.
type Members interface {
	BoardMembers(ctx context.Context) ([]board.Member, error)
}

// Drainer flushes queued notifications to chat.
type Drainer interface {
	Drain(ctx context.Context) notifier.DrainResult
}

type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	JoinKey        relay.JoinKey
	CommandTimeout time.Duration
	DrainInterval  time.Duration
	Version        string
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Command  string
	Args     []string
	Logger   logx.Logger
	// Target is set once /track has resolved a board member.
	Target tracker.Target

	out        Sender
	metricName string
}

// TrackerID is the registry key for the sender of this request.
func (r *Request) TrackerID() string { return strconv.FormatInt(r.FromID, 10) }

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.out.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Router parses chat messages into commands, runs them, and drains the
// delivery buffer between updates.
type Router struct {
	mu  sync.RWMutex
	cfg Config

	reg     Registry
	members Members
	out     Sender
	drain   Drainer
	log     logx.Logger

	cmds  []Command
	index map[string]*Command
}

func New(cfg Config, reg Registry, members Members, out Sender, drain Drainer, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		reg:     reg,
		members: members,
		out:     out,
		drain:   drain,
		log:     log.With(logx.String("comp", "telegram.router")),
	}
	r.Apply(cfg)
	r.setCommands(r.builtinCommands())
	return r
}

// Apply swaps the settings that may change on config reload.
func (r *Router) Apply(cfg Config) {
	if cfg.JoinKey == "" {
		cfg.JoinKey = relay.JoinByID
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 2 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// JoinKey is the subscription key /track resolves names to.
func (r *Router) JoinKey() relay.JoinKey { return r.config().JoinKey }

func (r *Router) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Router) setCommands(cmds []Command) {
	idx := make(map[string]*Command, len(cmds)*2)
	for i := range cmds {
		c := &cmds[i]
		idx[c.Name] = c
		for _, a := range c.Aliases {
			idx[a] = c
		}
	}
	r.mu.Lock()
	r.cmds = cmds
	r.index = idx
	r.mu.Unlock()
}

// Commands returns the command table sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := append([]Command(nil), r.cmds...)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// parseCommand splits a message into a lowercased command word and its
// arguments. Group chats only answer to "/" commands; in private chats the
// slash is optional.
func parseCommand(msg *kit.Message) (string, []string, bool) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil, false
	}
	slash := strings.HasPrefix(text, "/")
	if !slash && msg.IsGroup {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

// Handle runs the command carried by up, if any.
func (r *Router) Handle(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	word, args, ok := parseCommand(msg)
	if !ok {
		return
	}

	r.mu.RLock()
	cmd, known := r.index[word]
	r.mu.RUnlock()
	cfg := r.config()

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := &Request{
		Update:   up,
		Chat:     chat,
		FromID:   msg.FromID,
		FromName: displayName(msg),
		Command:  word,
		Args:     args,
		Logger: r.log.With(
			logx.String("channel", chat.String()),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", word),
		),
		out:        r.out,
		metricName: "unknown",
	}

	h := r.unknown
	timeout := cfg.CommandTimeout
	if known {
		h = cmd.Handle
		req.metricName = cmd.Name
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	}
	final := Chain(h,
		MWRequestLog(),
		MWPanicRecover(),
		MWTimeout(timeout),
	)
	_ = final(ctx, req)
}

func displayName(msg *kit.Message) string {
	switch {
	case msg.FromUsername != "":
		return "@" + msg.FromUsername
	case msg.FromName != "":
		return msg.FromName
	default:
		return strconv.FormatInt(msg.FromID, 10)
	}
}

func (r *Router) builtinCommands() []Command {
	return []Command{
		{
			Name:        "hello",
			Aliases:     []string{"hi"},
			Description: "say hello",
			Usage:       "/hello",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, "Hello there.")
			},
		},
		{
			Name:        "help",
			Description: "list commands",
			Usage:       "/help",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, helpText(r.Commands()))
			},
		},
		{
			Name:        "tutorial",
			Description: "how to get notified",
			Usage:       "/tutorial",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, tutorialText)
			},
		},
		{
			Name:        "version",
			Description: "show the bot version",
			Usage:       "/version",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, "cardrelay "+r.config().Version)
			},
		},
		{
			Name:        "whoami",
			Description: "show who you are and who you track",
			Usage:       "/whoami",
			Handle:      r.whoami,
		},
		{
			Name:        "track",
			Description: "follow a board member's cards",
			Usage:       "/track <name>",
			Handle:      r.track,
		},
		{
			Name:        "tracking",
			Description: "show who you track",
			Usage:       "/tracking",
			Handle:      r.tracking,
		},
	}
}

const tutorialText = `Getting started:
1. Send /track followed by the full name or username of a board member, e.g. /track Jane Doe
2. Whenever a card that member belongs to moves to another list, you get a message here.
3. Send /tracking to check who you follow. Sending /track again replaces it.`

func (r *Router) unknown(ctx context.Context, req *Request) error {
	return req.Reply(ctx, fmt.Sprintf("I did not understand your command \"%s\".", req.Command))
}

func (r *Router) trackingLine(ctx context.Context, req *Request) (string, error) {
	t, ok, err := r.reg.GetTarget(ctx, req.TrackerID())
	if err != nil {
		return "", err
	}
	if !ok {
		return "You are currently not tracking a Trello user.", nil
	}
	return fmt.Sprintf("You are currently tracking \"%s\" on Trello.", t.Name), nil
}

func (r *Router) whoami(ctx context.Context, req *Request) error {
	line, err := r.trackingLine(ctx, req)
	if err != nil {
		_ = req.Reply(ctx, "I could not look up your tracking right now. Try again later.")
		return err
	}
	text := fmt.Sprintf("You are %s on Telegram. This channel is %s.\n%s", req.FromName, req.Chat.String(), line)
	return req.Reply(ctx, text)
}

func (r *Router) tracking(ctx context.Context, req *Request) error {
	line, err := r.trackingLine(ctx, req)
	if err != nil {
		_ = req.Reply(ctx, "I could not look up your tracking right now. Try again later.")
		return err
	}
	return req.Reply(ctx, line)
}

// errAmbiguous and errNoMember are reported to the user, not logged as failures.
var (
	errNoMember  = errors.New("no such board member")
	errAmbiguous = errors.New("ambiguous board member")
)

func (r *Router) track(ctx context.Context, req *Request) error {
	name := strings.TrimSpace(strings.Join(req.Args, " "))
	if name == "" {
		return req.Reply(ctx, "Usage: /track <name>\nExample: /track Jane Doe")
	}

	target := tracker.Target{Key: name, Name: name}
	if r.config().JoinKey == relay.JoinByID {
		m, matches, err := r.resolveMember(ctx, name)
		switch {
		case errors.Is(err, errNoMember):
			return req.Reply(ctx, fmt.Sprintf("I could not find a board member named \"%s\".", name))
		case errors.Is(err, errAmbiguous):
			names := make([]string, 0, len(matches))
			for _, mm := range matches {
				names = append(names, "@"+mm.Username)
			}
			return req.Reply(ctx, fmt.Sprintf("Several board members match \"%s\": %s. Track one of them by username.", name, strings.Join(names, ", ")))
		case err != nil:
			_ = req.Reply(ctx, "I could not reach the board right now. Try again later.")
			return err
		}
		target = tracker.Target{Key: m.ID, Name: m.FullName}
		if target.Name == "" {
			target.Name = m.Username
		}
	}

	if _, err := r.reg.Retarget(ctx, req.TrackerID(), req.Chat.String(), target); err != nil {
		_ = req.Reply(ctx, "I could not save your tracking right now. Try again later.")
		return err
	}
	req.Target = target
	return req.Reply(ctx, fmt.Sprintf("You will now be notified when %s's articles are moved in Trello.", target.Name))
}

// resolveMember finds the board member called name. An exact username
// match wins; otherwise the full name must match exactly one member.
func (r *Router) resolveMember(ctx context.Context, name string) (board.Member, []board.Member, error) {
	if r.members == nil {
		return board.Member{}, nil, errNoMember
	}
	list, err := r.members.BoardMembers(ctx)
	if err != nil {
		return board.Member{}, nil, fmt.Errorf("list board members: %w", err)
	}
	uname := strings.TrimPrefix(name, "@")
	var byName []board.Member
	for _, m := range list {
		if strings.EqualFold(m.Username, uname) {
			return m, nil, nil
		}
		if strings.EqualFold(strings.TrimSpace(m.FullName), name) {
			byName = append(byName, m)
		}
	}
	switch len(byName) {
	case 0:
		return board.Member{}, nil, errNoMember
	case 1:
		return byName[0], nil, nil
	default:
		return board.Member{}, byName, errAmbiguous
	}
}
