package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/and161185/tap-wallet/internal/errs"
	"github.com/and161185/tap-wallet/internal/model"
)

// flagCard serves a card given on the command line.
type flagCard model.Card

func (c flagCard) RequestCard(ctx context.Context, _ string) (model.Card, error) {
	if err := ctx.Err(); err != nil {
		return model.Card{}, err
	}
	return model.Card(c), nil
}

// promptCard reads a card from a line-oriented terminal.
// An empty answer or EOF is a cancellation.
type promptCard struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptCard(in io.Reader, out io.Writer) *promptCard {
	return &promptCard{in: bufio.NewReader(in), out: out}
}

func (p *promptCard) RequestCard(ctx context.Context, prompt string) (model.Card, error) {
	if prompt != "" {
		fmt.Fprintln(p.out, prompt)
	}
	var c model.Card
	var err error
	if c.PAN, err = p.ask(ctx, "card number: "); err != nil {
		return model.Card{}, err
	}
	if c.Expiry, err = p.ask(ctx, "expiry (MM/YY): "); err != nil {
		return model.Card{}, err
	}
	c.CardholderName, err = p.line(ctx, "cardholder (optional): ")
	if err != nil && !errors.Is(err, io.EOF) {
		return model.Card{}, err
	}
	return c, nil
}

// ask reads a required answer.
func (p *promptCard) ask(ctx context.Context, q string) (string, error) {
	s, err := p.line(ctx, q)
	if errors.Is(err, io.EOF) || (err == nil && s == "") {
		return "", errs.ErrUserCancelled
	}
	return s, err
}

func (p *promptCard) line(ctx context.Context, q string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, q)
	s, err := p.in.ReadString('\n')
	s = strings.TrimSpace(s)
	if err != nil && (s == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return s, nil
}
