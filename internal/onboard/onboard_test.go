package onboard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestPromptAnswers(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Y\n", true},
		{"yes\n", true},
		{"  YES  \n", true},
		{"n\n", false},
		{"\n", false},
		{"sure\n", false},
		{"y", true}, // no trailing newline before EOF
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var out bytes.Buffer
			p := NewPrompt(strings.NewReader(tt.input), &out)

			got, err := p.Confirm(context.Background(), "AA:BB")
			if err != nil {
				t.Fatalf("Confirm() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if want := "Add AA:BB to the list of known devices? [y/N] "; out.String() != want {
				t.Errorf("prompt = %q, want %q", out.String(), want)
			}
		})
	}
}

func TestPromptSequentialQuestions(t *testing.T) {
	p := NewPrompt(strings.NewReader("y\nn\n"), io.Discard)
	ctx := context.Background()

	first, _ := p.Confirm(ctx, "AA:BB")
	second, _ := p.Confirm(ctx, "CC:DD")
	third, err := p.Confirm(ctx, "EE:FF")

	if !first || second || third {
		t.Errorf("answers = %v %v %v, want true false false", first, second, third)
	}
	if err != nil {
		t.Errorf("Confirm() after EOF error = %v, want nil", err)
	}
}

func TestPromptCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewPrompt(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Confirm(ctx, "AA:BB")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Confirm() error = %v, want DeadlineExceeded", err)
	}
}

func TestPromptReadError(t *testing.T) {
	pr, pw := io.Pipe()
	pw.CloseWithError(errors.New("tty gone"))
	p := NewPrompt(pr, io.Discard)

	if _, err := p.Confirm(context.Background(), "AA:BB"); err == nil {
		t.Error("Confirm() should fail when the input cannot be read")
	}
}

func TestStatic(t *testing.T) {
	for _, want := range []bool{true, false} {
		got, err := Static(want).Confirm(context.Background(), "AA:BB")
		if err != nil || got != want {
			t.Errorf("Static(%v).Confirm() = %v, %v", want, got, err)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		mode    string
		want    Confirmer
		wantErr bool
	}{
		{mode: "accept", want: Static(true)},
		{mode: "ignore", want: Static(false)},
		{mode: "always", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := New(tt.mode, strings.NewReader(""), io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("New(%q) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}

	c, err := New("prompt", strings.NewReader(""), io.Discard)
	if err != nil {
		t.Fatalf("New(prompt) error = %v", err)
	}
	if _, ok := c.(*Prompt); !ok {
		t.Errorf("New(prompt) = %T, want *Prompt", c)
	}
}
