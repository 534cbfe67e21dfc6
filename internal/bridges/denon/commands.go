package denon

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Mode selects the GET or SET half of a CommandSpec.
type Mode int

// Command modes.
const (
	ModeGet Mode = iota
	ModeSet
)

// String returns "GET" or "SET".
func (m Mode) String() string {
	if m == ModeSet {
		return "SET"
	}
	return "GET"
}

// Template placeholders substituted by SubSpec.build.
const (
	placeholderPID   = "[PID]"
	placeholderValue = "[VALUE]"
)

// SubSpec describes one direction of a logical operation on the wire.
type SubSpec struct {
	// Command is the wire command. It is also the correlation key for
	// protocols that echo the command in their replies.
	Command string

	// Params is appended to Command after placeholder substitution.
	Params string

	// Expected matches the reply. The first capture group, or the whole
	// match if there is none, is the extracted value. Nil accepts any frame.
	Expected *regexp.Regexp

	// PassPayload returns the full reply payload instead of the capture.
	PassPayload bool
}

// build renders the wire string for this sub-spec.
// A zero pid or empty value leaves the corresponding placeholder untouched.
func (s *SubSpec) build(pid int, value string) string {
	params := s.Params
	if pid != 0 {
		params = strings.ReplaceAll(params, placeholderPID, strconv.Itoa(pid))
	}
	if value != "" {
		params = strings.ReplaceAll(params, placeholderValue, value)
	}
	return s.Command + params
}

// checkValue rejects a value that would end the command early or, inside a
// query string, add or override parameters.
func (s *SubSpec) checkValue(value string) error {
	for _, r := range value {
		if r < ' ' || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidArgument, value)
		}
	}
	if strings.Contains(s.Params, "?") && strings.ContainsAny(value, "&?=#") {
		return fmt.Errorf("%w: %q is not a valid parameter value", ErrInvalidArgument, value)
	}
	return nil
}

func extractValue(re *regexp.Regexp, s string) (string, bool) {
	if re == nil {
		return s, true
	}
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return m[0], true
}

// TokenSet is the set of legal wire tokens for a CommandSpec.
type TokenSet interface {
	Contains(token string) bool
	Tokens() []string
}

// CommandSpec is the table entry for one logical operation.
type CommandSpec struct {
	Name string
	Get  *SubSpec
	Set  *SubSpec

	// Event, if set, is the unsolicited-push pattern for this operation.
	Event *regexp.Regexp

	// Values restricts the extracted token. Nil allows any token.
	Values TokenSet
}

func (s *CommandSpec) sub(mode Mode) (*SubSpec, error) {
	var sub *SubSpec
	switch mode {
	case ModeGet:
		sub = s.Get
	case ModeSet:
		sub = s.Set
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s has no %s command", ErrUnsupported, s.Name, mode)
	}
	return sub, nil
}

// ValueMapping pairs a wire token with its semantic value.
type ValueMapping[T comparable] struct {
	Wire  string
	Value T
}

// ValueTable maps wire tokens to semantic values in both directions.
type ValueTable[T comparable] []ValueMapping[T]

// Contains reports whether token is a legal wire token.
func (t ValueTable[T]) Contains(token string) bool {
	_, ok := t.Lookup(token)
	return ok
}

// Tokens returns all legal wire tokens in table order.
func (t ValueTable[T]) Tokens() []string {
	out := make([]string, len(t))
	for i, m := range t {
		out[i] = m.Wire
	}
	return out
}

// Lookup maps a wire token to its value.
func (t ValueTable[T]) Lookup(token string) (T, bool) {
	for _, m := range t {
		if m.Wire == token {
			return m.Value, true
		}
	}
	var zero T
	return zero, false
}

// Wire maps a value to its wire token.
func (t ValueTable[T]) Wire(v T) (string, bool) {
	for _, m := range t {
		if m.Value == v {
			return m.Wire, true
		}
	}
	return "", false
}

// decode is Lookup with an InvalidResponse error naming the legal tokens.
func (t ValueTable[T]) decode(name, token string) (T, error) {
	v, ok := t.Lookup(token)
	if !ok {
		return v, invalidResponse("unexpected "+name+" value", token, t.Tokens()...)
	}
	return v, nil
}

// encode is Wire with an ErrInvalidArgument for unmapped values.
func (t ValueTable[T]) encode(name string, v T) (string, error) {
	w, ok := t.Wire(v)
	if !ok {
		return "", fmt.Errorf("%w: no %s token for %v", ErrInvalidArgument, name, v)
	}
	return w, nil
}

// commandArgs are the per-call inputs to sendCommand.
type commandArgs struct {
	pid   int
	value string
	race  *RaceStatus
}

// sendCommand renders spec for mode, performs the round trip and validates the
// extracted token against spec.Values.
func sendCommand(ctx context.Context, c *conn, spec *CommandSpec, mode Mode, args commandArgs) (string, error) {
	sub, err := spec.sub(mode)
	if err != nil {
		return "", err
	}

	if err := sub.checkValue(args.value); err != nil {
		return "", err
	}

	out, err := c.send(ctx, request{
		command:     sub.build(args.pid, args.value),
		key:         sub.Command,
		expected:    sub.Expected,
		passPayload: sub.PassPayload,
		race:        args.race,
	})
	if err != nil {
		return "", err
	}

	if spec.Values != nil && !sub.PassPayload && !spec.Values.Contains(out) {
		return "", invalidResponse("unexpected "+spec.Name+" value", out, spec.Values.Tokens()...)
	}
	return out, nil
}
