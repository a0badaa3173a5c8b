package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Prompter blocks until the user has completed the browser login at loginURL.
type Prompter interface {
	WaitForLogin(ctx context.Context, loginURL string) error
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, loginURL string) error

func (f PrompterFunc) WaitForLogin(ctx context.Context, loginURL string) error {
	return f(ctx, loginURL)
}

// AutoPrompter returns immediately. Use it when the gateway is already
// logged in or when login happens out of band.
type AutoPrompter struct{}

func (AutoPrompter) WaitForLogin(context.Context, string) error {
	return nil
}

// ConsolePrompter prints login instructions and waits for ENTER.
type ConsolePrompter struct {
	In  io.Reader
	Out io.Writer
}

func NewConsolePrompter() *ConsolePrompter {
	return &ConsolePrompter{In: os.Stdin, Out: os.Stdout}
}

func (p *ConsolePrompter) WaitForLogin(ctx context.Context, loginURL string) error {
	rule := strings.Repeat("-", 80)
	fmt.Fprintf(p.Out, "%s\n"+
		"The gateway is starting up so the session can be authenticated.\n"+
		"  STEP 1: open %s\n"+
		"  STEP 2: log in with your username and password.\n"+
		"  STEP 3: when you see \"Client login succeeds\" come back here and press ENTER.\n"+
		"%s\n"+
		"Press ENTER to check the session: ", rule, loginURL, rule)

	read := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(p.In).ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		read <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-read:
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		return nil
	}
}
