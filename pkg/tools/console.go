package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// ConsoleModerator answers moderator questions interactively on a
// terminal. Prompts go to out, answers come one per line from in.
type ConsoleModerator struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleModerator creates a moderator over the given streams.
func NewConsoleModerator(in io.Reader, out io.Writer) *ConsoleModerator {
	return &ConsoleModerator{in: bufio.NewReader(in), out: out}
}

func (m *ConsoleModerator) readLine(ctx context.Context) (string, error) {
	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := m.in.ReadString('\n')
		ch <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil && res.line == "" {
			return "", res.err
		}
		return strings.TrimSpace(res.line), nil
	}
}

// AskTernary implements Moderator.
func (m *ConsoleModerator) AskTernary(ctx context.Context, prompt string) (models.Decision, string, error) {
	fmt.Fprintln(m.out, prompt)
	for {
		fmt.Fprint(m.out, "[y]es / [n]o / [m]odify: ")
		answer, err := m.readLine(ctx)
		if err != nil {
			return "", "", err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return models.DecisionYes, "", nil
		case "n", "no":
			return models.DecisionNo, "", nil
		case "m", "modify":
			fmt.Fprint(m.out, "Modification: ")
			modification, err := m.readLine(ctx)
			if err != nil {
				return "", "", err
			}
			return models.DecisionModify, modification, nil
		}
	}
}

// AskYesNo implements Moderator.
func (m *ConsoleModerator) AskYesNo(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprintln(m.out, prompt)
	for {
		fmt.Fprint(m.out, "[y]es / [n]o: ")
		answer, err := m.readLine(ctx)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

// AskModification implements Moderator. An empty line means no guidance.
func (m *ConsoleModerator) AskModification(ctx context.Context, prompt string) (string, error) {
	fmt.Fprintln(m.out, prompt)
	fmt.Fprint(m.out, "Guidance (empty to abort): ")
	return m.readLine(ctx)
}
