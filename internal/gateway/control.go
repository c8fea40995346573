package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/rovermind/internal/audio"
	"github.com/stellarlinkco/rovermind/internal/bus"
	"github.com/stellarlinkco/rovermind/internal/state"
)

// ControlRequest updates live operator settings. Nil fields are left alone.
type ControlRequest struct {
	Speed   *int    `json:"speed,omitempty"`
	Forward *bool   `json:"forward,omitempty"`
	Back    *bool   `json:"back,omitempty"`
	Left    *bool   `json:"left,omitempty"`
	Right   *bool   `json:"right,omitempty"`
	Goal    *string `json:"goal,omitempty"`
	Lang    *string `json:"lang,omitempty"`
}

func (g *Gateway) ApplyControl(req ControlRequest) error {
	if req.Speed != nil && (*req.Speed < 0 || *req.Speed > 100) {
		return fmt.Errorf("speed %d out of range 0..100", *req.Speed)
	}
	if req.Lang != nil {
		if _, ok := audio.Voices[*req.Lang]; !ok {
			return fmt.Errorf("unsupported language %q", *req.Lang)
		}
	}
	g.store.SetControl(func(c *state.Control) {
		if req.Speed != nil {
			c.Speed = *req.Speed
		}
		setFlag(&c.Forward, req.Forward)
		setFlag(&c.Back, req.Back)
		setFlag(&c.Left, req.Left)
		setFlag(&c.Right, req.Right)
	})
	if req.Goal != nil {
		g.store.SetGoal(*req.Goal)
	}
	if req.Lang != nil {
		g.store.SetLang(*req.Lang)
	}
	return nil
}

func setFlag(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

const helpText = `Commands:
/status - robot state
/goal <text> - set the main goal
/speed <0-100> - set speed
/stop - clear motion flags
/lang <en|ru|cz> - speech language
/look - camera frame
/say <text> - speak through the robot
/ask <text> - ask the model
/journal [keywords] - recent or matching ticks`

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.logger.Info("inbound command", "session", msg.SessionKey(), "sender", msg.SenderID, "content", truncate(msg.Content, 80))
			reply := g.handleCommand(ctx, msg)
			reply.Channel = msg.Channel
			reply.ChatID = msg.ChatID
			select {
			case g.bus.Outbound <- reply:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage) bus.OutboundMessage {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(msg.Content), " ")
	cmd = strings.ToLower(cmd)
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	arg = strings.TrimSpace(arg)

	text := func(s string) bus.OutboundMessage { return bus.OutboundMessage{Content: s} }
	fail := func(err error) bus.OutboundMessage { return text("error: " + err.Error()) }

	switch cmd {
	case "/start", "/help":
		return text(helpText)
	case "/status":
		return text(g.statusText())
	case "/goal":
		if arg == "" {
			return text("usage: /goal <text>")
		}
		g.ApplyControl(ControlRequest{Goal: &arg})
		return text("goal set: " + arg)
	case "/speed":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return text("usage: /speed <0-100>")
		}
		if err := g.ApplyControl(ControlRequest{Speed: &n}); err != nil {
			return fail(err)
		}
		return text(fmt.Sprintf("speed set to %d", n))
	case "/stop":
		off := false
		g.ApplyControl(ControlRequest{Forward: &off, Back: &off, Left: &off, Right: &off})
		return text("motion flags cleared")
	case "/lang":
		if err := g.ApplyControl(ControlRequest{Lang: &arg}); err != nil {
			return fail(err)
		}
		return text("language set to " + arg)
	case "/look":
		image, err := g.camera.Acquire(ctx)
		if err != nil {
			return fail(err)
		}
		return bus.OutboundMessage{Content: "camera frame", Photo: image}
	case "/say":
		if arg == "" {
			return text("usage: /say <text>")
		}
		if err := g.dispatcher.Speak(arg, g.store.Snapshot().Lang); err != nil {
			return fail(err)
		}
		return text("speaking")
	case "/ask":
		if arg == "" {
			return text("usage: /ask <text>")
		}
		answer, err := g.oracle.Ask(ctx, arg)
		if err != nil {
			return fail(err)
		}
		return text(answer)
	case "/journal":
		return text(g.journalText(arg))
	}
	return text("unknown command, try /help")
}

func (g *Gateway) statusText() string {
	st := g.store.Snapshot()
	var sb strings.Builder
	fmt.Fprintf(&sb, "**goal** %s\n", orDash(st.Goal))
	fmt.Fprintf(&sb, "**plan** %s\n", orDash(st.Plan))
	fmt.Fprintf(&sb, "**subplan** %s\n", orDash(st.Subplan))
	fmt.Fprintf(&sb, "**mood** %s\n", st.Mood)
	fmt.Fprintf(&sb, "**lang** %s, **speed** %d\n", st.Lang, st.Control.Speed)
	fmt.Fprintf(&sb, "**model** %s\n", g.oracle.Preferred())
	if g.skills != nil && g.skills.Len() > 0 {
		fmt.Fprintf(&sb, "**skills** %s\n", strings.Join(g.skills.Names(), ", "))
	}
	if n := len(st.History); n > 0 {
		fmt.Fprintf(&sb, "**last move** `%s` at %s\n", st.History[n-1].Command, st.History[n-1].At.Format(time.TimeOnly))
	}
	if g.journal != nil {
		if total, vetoed, err := g.journal.Counts(); err == nil {
			fmt.Fprintf(&sb, "**ticks** %d (%d vetoed)\n", total, vetoed)
		}
	}
	if !g.started.IsZero() {
		fmt.Fprintf(&sb, "**uptime** %s", time.Since(g.started).Round(time.Second))
	}
	return strings.TrimRight(sb.String(), "\n")
}

var errJournalDisabled = errors.New("journal is disabled")

func (g *Gateway) journalText(keywords string) string {
	if g.journal == nil {
		return errJournalDisabled.Error()
	}
	entries, err := g.journal.Recent(5)
	if keywords != "" {
		entries, err = g.journal.Search(keywords, 5)
	}
	if err != nil {
		return "error: " + err.Error()
	}
	if len(entries) == 0 {
		return "no ticks"
	}
	var sb strings.Builder
	for _, e := range entries {
		cmd := e.Command
		if e.Vetoed {
			cmd = "vetoed"
		} else if cmd == "" {
			cmd = "no-op"
		}
		fmt.Fprintf(&sb, "%s %.0fcm `%s` %s\n", e.At.Local().Format(time.DateTime), e.Distance, cmd, truncate(e.Reply, 80))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// truncate cuts s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
