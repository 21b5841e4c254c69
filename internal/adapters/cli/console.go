package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
)

// Console is an interactive chat session on a terminal. History survives
// across questions for the lifetime of the session.
type Console struct {
	agent   ports.AgentRunner
	in      *bufio.Reader
	out     io.Writer
	history []domain.ConversationTurn

	prompt *color.Color
	label  *color.Color
	system *color.Color
	fail   *color.Color
}

func NewConsole(agent ports.AgentRunner, in io.Reader, out io.Writer) *Console {
	return &Console{
		agent:  agent,
		in:     bufio.NewReader(in),
		out:    out,
		prompt: color.New(color.FgCyan, color.Bold),
		label:  color.New(color.FgGreen, color.Bold),
		system: color.New(color.FgYellow),
		fail:   color.New(color.FgRed),
	}
}

// Run reads questions until "exit", end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	fmt.Fprintln(c.out, color.CyanString("--- Database Assistant ---"))
	fmt.Fprintln(c.out, "Type 'exit' to quit.")
	fmt.Fprintln(c.out)

	for {
		if ctx.Err() != nil {
			return nil
		}
		c.prompt.Fprint(c.out, "You: ")
		line, err := c.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read input: %w", err)
		}
		message := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(message, "exit"), strings.EqualFold(message, "quit"):
			return nil
		case message != "":
			if _, askErr := c.Ask(ctx, message); askErr != nil {
				c.fail.Fprintf(c.out, "\n[Error]: %v\n", askErr)
			}
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(c.out)
			return nil
		}
	}
}

// Ask runs one question through the agent and prints the stream.
func (c *Console) Ask(ctx context.Context, message string) (*domain.AgentRunResult, error) {
	c.label.Fprint(c.out, "Assistant: ")
	result, err := c.agent.Run(ctx, domain.AgentRequest{
		History: c.history,
		Message: message,
	}, ports.EventSinkFunc(c.render))
	fmt.Fprintln(c.out)
	if err != nil {
		return nil, err
	}

	c.history = append(c.history,
		domain.ConversationTurn{Role: domain.RoleUser, Content: message},
		domain.ConversationTurn{Role: domain.RoleAssistant, Content: result.Answer},
	)
	return result, nil
}

func (c *Console) History() []domain.ConversationTurn {
	return append([]domain.ConversationTurn(nil), c.history...)
}

func (c *Console) render(_ context.Context, event domain.StreamEvent) error {
	var err error
	switch event.Kind {
	case domain.EventToken:
		if event.Cached {
			_, err = c.system.Fprint(c.out, "[Cached Answer]\n")
			if err != nil {
				return err
			}
		}
		_, err = fmt.Fprint(c.out, event.Text)
	case domain.EventStatus:
		_, err = c.system.Fprintf(c.out, "\n%s\n", event.Text)
	case domain.EventUI:
		if event.UI != nil {
			_, err = c.system.Fprintf(c.out, "\n[UI]: %s %s %s\n", event.UI.Kind, event.UI.Target, event.UI.Value)
		}
	case domain.EventError:
		_, err = c.fail.Fprintf(c.out, "\n[Error]: %s\n", event.Text)
	}
	return err
}
