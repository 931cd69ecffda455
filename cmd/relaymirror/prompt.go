package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// linePrompt asks label on w and reads one line from r.
func linePrompt(r io.Reader, w io.Writer, label string) func(context.Context) (string, error) {
	reader := bufio.NewReader(r)
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		_, _ = fmt.Fprint(w, label)
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if err != nil && (err != io.EOF || line == "") {
			return "", fmt.Errorf("read %s: %w", strings.TrimSpace(strings.TrimSuffix(label, ": ")), err)
		}
		return line, nil
	}
}

// terminalCodePrompt returns nil when stdin is not a terminal, so an
// unattended run fails fast instead of waiting for input.
func terminalCodePrompt() func(context.Context) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return linePrompt(os.Stdin, os.Stderr, "Telegram login code: ")
}

func terminalPasswordPrompt() func(context.Context) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		_, _ = fmt.Fprint(os.Stderr, "Telegram 2FA password: ")
		pw, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
}
