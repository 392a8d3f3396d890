// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package athandler

import (
	"fmt"
	"strconv"
)

// Parser handles one response frame of a transaction. arg is the opaque
// argument registered with the command or callback set. A returned error is
// logged and counted; it does not change the transaction.
type Parser func(resp []byte, arg any) error

// Command is one entry of the command table. Template holds %s and %d
// placeholders filled positionally from the Send arguments; %% is a literal
// percent sign.
type Command struct {
	ID            uint8
	Template      string
	ResponseCount int
	Parsers       []Parser
	Arg           any
}

type argKind uint8

const (
	kindString argKind = iota + 1
	kindInt
)

func (k argKind) String() string {
	if k == kindInt {
		return "%d"
	}
	return "%s"
}

// Arg is one typed command argument.
type Arg struct {
	kind argKind
	s    string
	n    int
}

// Str returns a %s argument.
func Str(s string) Arg { return Arg{kind: kindString, s: s} }

// Int returns a %d argument.
func Int(n int) Arg { return Arg{kind: kindInt, n: n} }

type entry struct {
	Command
	kinds []argKind
}

// Table is a validated command table.
type Table struct {
	entries []entry
	byID    map[uint8]int
}

// NewTable validates cmds and records the placeholders of every template.
func NewTable(cmds ...Command) (*Table, error) {
	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: empty command table", ErrInvalidParam)
	}
	t := &Table{
		entries: make([]entry, 0, len(cmds)),
		byID:    make(map[uint8]int, len(cmds)),
	}
	for _, c := range cmds {
		if c.ResponseCount < 1 || c.ResponseCount > MaxCommandResponses {
			return nil, fmt.Errorf("%w: command %d expects %d responses (1..%d)",
				ErrInvalidParam, c.ID, c.ResponseCount, MaxCommandResponses)
		}
		if len(c.Parsers) < c.ResponseCount {
			return nil, fmt.Errorf("%w: command %d has %d parsers for %d responses",
				ErrInvalidParam, c.ID, len(c.Parsers), c.ResponseCount)
		}
		for i := 0; i < c.ResponseCount; i++ {
			if c.Parsers[i] == nil {
				return nil, fmt.Errorf("%w: command %d parser %d is nil", ErrInvalidParam, c.ID, i)
			}
		}
		if _, dup := t.byID[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate command id %d", ErrInvalidParam, c.ID)
		}
		c.Parsers = c.Parsers[:c.ResponseCount:c.ResponseCount]
		t.byID[c.ID] = len(t.entries)
		t.entries = append(t.entries, entry{Command: c, kinds: placeholders(c.Template)})
	}
	return t, nil
}

// Lookup returns the command registered under id.
func (t *Table) Lookup(id uint8) (Command, bool) {
	e, ok := t.lookup(id)
	if !ok {
		return Command{}, false
	}
	return e.Command, true
}

// Len returns the number of commands.
func (t *Table) Len() int { return len(t.entries) }

func (t *Table) lookup(id uint8) (*entry, bool) {
	i, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return &t.entries[i], true
}

func placeholders(tmpl string) []argKind {
	var kinds []argKind
	for i := 0; i < len(tmpl)-1; i++ {
		if tmpl[i] != '%' {
			continue
		}
		switch tmpl[i+1] {
		case 's':
			kinds = append(kinds, kindString)
		case 'd':
			kinds = append(kinds, kindInt)
		}
		i++
	}
	return kinds
}

// check verifies that args match the template placeholders one to one.
func (e *entry) check(args []Arg) error {
	if len(args) != len(e.kinds) {
		return fmt.Errorf("%w: command %d takes %d arguments, got %d",
			ErrInvalidParam, e.ID, len(e.kinds), len(args))
	}
	for i, a := range args {
		if a.kind != e.kinds[i] {
			return fmt.Errorf("%w: command %d argument %d must be %v",
				ErrInvalidParam, e.ID, i, e.kinds[i])
		}
	}
	return nil
}

// format appends the formatted command to dst without growing it past
// cap(dst). It reports false on overflow.
func (e *entry) format(dst []byte, args []Arg) ([]byte, bool) {
	tmpl := e.Template
	next := 0
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c == '%' && i+1 < len(tmpl) {
			switch tmpl[i+1] {
			case 's':
				var ok bool
				if dst, ok = appendBounded(dst, args[next].s); !ok {
					return dst, false
				}
				next++
				i++
				continue
			case 'd':
				var num [20]byte
				digits := strconv.AppendInt(num[:0], int64(args[next].n), 10)
				if len(dst)+len(digits) > cap(dst) {
					return dst, false
				}
				dst = append(dst, digits...)
				next++
				i++
				continue
			case '%':
				i++
			}
		}
		if len(dst) == cap(dst) {
			return dst, false
		}
		dst = append(dst, c)
	}
	return dst, true
}

func appendBounded(dst []byte, s string) ([]byte, bool) {
	if len(dst)+len(s) > cap(dst) {
		return dst, false
	}
	return append(dst, s...), true
}
