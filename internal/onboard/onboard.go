// Package onboard decides whether a newly identified Tempo3 device joins
// the known set.
package onboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Confirmer answers whether peripheral id should become a known device.
type Confirmer interface {
	Confirm(ctx context.Context, id string) (bool, error)
}

// New returns the Confirmer for an onboarding mode: "prompt" asks on
// in/out, "accept" and "ignore" answer without asking.
func New(mode string, in io.Reader, out io.Writer) (Confirmer, error) {
	switch mode {
	case "prompt":
		return NewPrompt(in, out), nil
	case "accept":
		return Static(true), nil
	case "ignore":
		return Static(false), nil
	default:
		return nil, fmt.Errorf("onboard: unknown mode %q", mode)
	}
}

// Static always gives the same answer.
type Static bool

func (s Static) Confirm(context.Context, string) (bool, error) {
	return bool(s), nil
}

// Prompt asks the user on a terminal. Only "y" and "yes" accept.
type Prompt struct {
	mu    sync.Mutex
	out   io.Writer
	lines chan lineResult
}

type lineResult struct {
	line string
	err  error
}

// NewPrompt creates a Prompt that reads answers from in.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	p := &Prompt{out: out, lines: make(chan lineResult)}
	// A single reader outlives cancelled prompts so no input is lost.
	go func() {
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadString('\n')
			if line != "" || err == nil {
				p.lines <- lineResult{line: line}
			}
			if err != nil {
				p.lines <- lineResult{err: err}
				close(p.lines)
				return
			}
		}
	}()
	return p
}

func (p *Prompt) Confirm(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(p.out, "Add %s to the list of known devices? [y/N] ", id); err != nil {
		return false, fmt.Errorf("onboard: write prompt: %w", err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res, ok := <-p.lines:
		if !ok {
			return false, nil
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("onboard: read answer: %w", res.err)
		}
		switch strings.ToLower(strings.TrimSpace(res.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
