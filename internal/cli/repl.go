package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/soyeahso/agentsync/internal/configsync"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/session"
)

const replHelp = `commands:
  show                      committed configuration and drafts
  edit <field> <value>      change a draft without sending it
  commit <field>            send the draft for field to the agent
  set <field> <value>       edit and commit in one step
  say <text>                send a chat message
  transcript <text>         send a transcription
  timeline                  merged transcripts, chat and config changes
  status                    connection state and counters
  quit                      leave the session`

var errQuit = errors.New("quit")

// runREPL reads commands from in until quit, end of input or ctx ends.
func runREPL(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, `type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := execLine(ctx, s, line, out)
			switch {
			case errors.Is(err, errQuit), errors.Is(err, session.ErrClosed):
				return nil
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// splitCommand returns the first word of line and the trimmed remainder.
func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	name, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(rest)
}

func execLine(ctx context.Context, s *session.Session, line string, out io.Writer) error {
	name, rest := splitCommand(line)
	switch name {
	case "":
		return nil
	case "help", "?":
		fmt.Fprintln(out, replHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "show":
		return showConfig(ctx, s, out)
	case "status":
		return showStatus(ctx, s, out)
	case "timeline":
		return showTimeline(ctx, s, out)

	case "edit", "set":
		f, value, _ := strings.Cut(rest, " ")
		field, err := domain.ParseFieldKey(f)
		if err != nil {
			return err
		}
		value = strings.TrimSpace(value)
		if name == "edit" {
			if err := s.Edit(ctx, field, value); err != nil {
				return err
			}
			fmt.Fprintf(out, "draft %s = %s\n", field, value)
			return nil
		}
		patch, ok, err := s.Set(ctx, field, value)
		return reportCommit(out, field, patch, ok, err)

	case "commit":
		field, err := domain.ParseFieldKey(rest)
		if err != nil {
			return err
		}
		patch, ok, err := s.Commit(ctx, field)
		return reportCommit(out, field, patch, ok, err)

	case "say":
		if rest == "" {
			return errors.New("say needs text")
		}
		_, err := s.SendChat(ctx, rest)
		return err
	case "transcript":
		if rest == "" {
			return errors.New("transcript needs text")
		}
		return s.SendTranscript(ctx, rest)
	}
	return fmt.Errorf("unknown command %q (try help)", name)
}

func reportCommit(out io.Writer, field domain.FieldKey, patch domain.ConfigPatch, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "%s not sent: no configuration received from the agent yet\n", field)
		return nil
	}
	fmt.Fprintf(out, "sent %s = %v to %s\n", field, patch.Value, patch.AgentID)
	return nil
}

func showConfig(ctx context.Context, s *session.Session, out io.Writer) error {
	cfg, ok, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "no configuration received yet (%s)\n", st.State)
	} else {
		fmt.Fprintf(out, "agent %s (%s)\n", cfg.AgentID, cfg.AgentName)
	}

	pending := make(map[domain.FieldKey]configsync.Status, len(st.Pending))
	for _, p := range st.Pending {
		pending[p.Patch.Field] = p.Status
	}

	for _, field := range domain.Fields {
		draft, dirty, err := s.Draft(ctx, field)
		if err != nil {
			return err
		}
		mark := " "
		if dirty {
			mark = "*"
		}
		note := ""
		if status, ok := pending[field]; ok {
			note = "  (" + string(status) + ")"
		}
		fmt.Fprintf(out, " %s %-20s %s%s\n", mark, field, draft, note)
	}
	return nil
}

func showStatus(ctx context.Context, s *session.Session, out io.Writer) error {
	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "state:        %s\n", st.State)
	names := make([]string, 0, len(st.Participants))
	for _, p := range st.Participants {
		if p.Name != "" && p.Name != p.Identity {
			names = append(names, fmt.Sprintf("%s (%s)", p.Identity, p.Name))
			continue
		}
		names = append(names, p.Identity)
	}
	fmt.Fprintf(out, "participants: %s\n", strings.Join(names, ", "))
	if st.HasSnapshot {
		fmt.Fprintf(out, "agent:        %s\n", st.AgentID)
	}
	fmt.Fprintf(out, "timeline:     %d transcripts, %d chat, %d config\n", st.Transcripts, st.Chat, st.ConfigEvents)
	fmt.Fprintf(out, "pending:      %d (stale edits %d, malformed %d)\n", len(st.Pending), st.StaleEdits, st.Malformed)
	return nil
}

func showTimeline(ctx context.Context, s *session.Session, out io.Writer) error {
	entries, err := s.Timeline(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "timeline is empty")
		return nil
	}
	for _, e := range entries {
		ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
		fmt.Fprintf(out, "[%s] %s: %s\n", ts, e.Name, e.Message)
	}
	return nil
}
