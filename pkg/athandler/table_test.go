// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package athandler

import (
	"errors"
	"testing"
)

func okParser([]byte, any) error { return nil }

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name string
		cmds []Command
	}{
		{"empty", nil},
		{"zero responses", []Command{{ID: 1, Template: "AT\r\n", ResponseCount: 0}}},
		{"too many responses", []Command{{ID: 1, Template: "AT\r\n", ResponseCount: MaxCommandResponses + 1,
			Parsers: []Parser{okParser, okParser, okParser, okParser, okParser}}}},
		{"missing parser", []Command{{ID: 1, Template: "AT\r\n", ResponseCount: 2, Parsers: []Parser{okParser}}}},
		{"nil parser", []Command{{ID: 1, Template: "AT\r\n", ResponseCount: 2, Parsers: []Parser{okParser, nil}}}},
		{"duplicate id", []Command{
			{ID: 1, Template: "AT\r\n", ResponseCount: 1, Parsers: []Parser{okParser}},
			{ID: 1, Template: "ATI\r\n", ResponseCount: 1, Parsers: []Parser{okParser}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.cmds...)
			if !errors.Is(err, ErrInvalidParam) {
				t.Fatalf("expected ErrInvalidParam, got %v", err)
			}
		})
	}
}

func TestNewTable_Lookup(t *testing.T) {
	table, err := NewTable(
		Command{ID: 3, Template: "AT\r\n", ResponseCount: 1, Parsers: []Parser{okParser}},
		Command{ID: 7, Template: "ATI\r\n", ResponseCount: 1, Parsers: []Parser{okParser, nil}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if table.Len() != 2 {
		t.Errorf("Len = %d", table.Len())
	}
	cmd, ok := table.Lookup(7)
	if !ok || cmd.Template != "ATI\r\n" {
		t.Errorf("Lookup(7) = %+v, %v", cmd, ok)
	}
	if len(cmd.Parsers) != 1 {
		t.Errorf("parsers beyond the response count must be trimmed, got %d", len(cmd.Parsers))
	}
	if _, ok := table.Lookup(9); ok {
		t.Error("Lookup(9) should fail")
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		tmpl string
		want []argKind
	}{
		{"AT\r\n", nil},
		{"AT+NSEND,%d,1,%s", []argKind{kindInt, kindString}},
		{"AT+WFIXIP=1,%s,%s,%s\r\n", []argKind{kindString, kindString, kindString}},
		{"100%%s", nil},
		{"trailing %", nil},
		{"%x%s", []argKind{kindString}},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got := placeholders(tt.tmpl)
			if len(got) != len(tt.want) {
				t.Fatalf("placeholders(%q) = %v, want %v", tt.tmpl, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("kind %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEntry_Check(t *testing.T) {
	e := entry{Command: Command{ID: 1}, kinds: []argKind{kindInt, kindString}}

	if err := e.check([]Arg{Int(1), Str("x")}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := e.check([]Arg{Int(1)}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("short args: %v", err)
	}
	if err := e.check([]Arg{Int(1), Str("x"), Str("y")}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("long args: %v", err)
	}
	if err := e.check([]Arg{Str("x"), Int(1)}); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("swapped kinds: %v", err)
	}
}

func TestEntry_Format(t *testing.T) {
	tests := []struct {
		tmpl string
		args []Arg
		want string
	}{
		{"AT\r\n", nil, "AT\r\n"},
		{"AT+NSTOP=%d\r\n", []Arg{Int(1)}, "AT+NSTOP=1\r\n"},
		{"AT+NSEND,%d,1,%s", []Arg{Int(-12), Str("ABCD")}, "AT+NSEND,-12,1,ABCD"},
		{"AT+WFIXIP=1,%s,%s,%s\r\n", []Arg{Str("192.168.0.66"), Str("255.255.255.0"), Str("192.168.0.4")},
			"AT+WFIXIP=1,192.168.0.66,255.255.255.0,192.168.0.4\r\n"},
		{"100%% %s", []Arg{Str("done")}, "100% done"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			e := entry{Command: Command{Template: tt.tmpl}, kinds: placeholders(tt.tmpl)}
			out, ok := e.format(make([]byte, 0, CommandMaxLen), tt.args)
			if !ok {
				t.Fatal("unexpected overflow")
			}
			if string(out) != tt.want {
				t.Errorf("format = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestEntry_FormatOverflow(t *testing.T) {
	e := entry{Command: Command{Template: "AT+X=%s\r\n"}, kinds: []argKind{kindString}}
	buf := make([]byte, 0, 8)

	if _, ok := e.format(buf, []Arg{Str("toolongvalue")}); ok {
		t.Error("string overflow not detected")
	}

	e = entry{Command: Command{Template: "AT=%d"}, kinds: []argKind{kindInt}}
	if _, ok := e.format(buf, []Arg{Int(123456)}); ok {
		t.Error("integer overflow not detected")
	}

	e = entry{Command: Command{Template: "AT+TOO+LONG"}}
	if _, ok := e.format(buf, nil); ok {
		t.Error("literal overflow not detected")
	}
}
