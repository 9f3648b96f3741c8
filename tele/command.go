package tele

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	CmdPing            = "ping"
	CmdGetStatus       = "getStatus"
	CmdStartStreaming  = "startStreaming"
	CmdStopStreaming   = "stopStreaming"
	CmdSetSamplingRate = "setSamplingRate"
)

const commandArgSep = ":"

// Command is parsed form of command text. Arg is raw text after first ':'.
type Command struct {
	Name   string
	Arg    string
	HasArg bool
}

func (c Command) String() string {
	if c.HasArg {
		return c.Name + commandArgSep + c.Arg
	}
	return c.Name
}

// IntArg parses decimal argument, e.g. setSamplingRate:100
func (c Command) IntArg() (int, error) {
	if !c.HasArg {
		return 0, errors.NotValidf("command=%s argument missing", c.Name)
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.Arg))
	if err != nil {
		return 0, errors.Annotatef(err, "command=%s arg=%q", c.Name, c.Arg)
	}
	return n, nil
}

// EncodeCommand formats "<name>" or "<name>:<arg>".
// Protocol commands take at most one argument.
func EncodeCommand(name string, args ...interface{}) []byte {
	switch len(args) {
	case 0:
		return []byte(name)
	case 1:
		return []byte(name + commandArgSep + formatArg(args[0]))
	}
	panic(fmt.Sprintf("code error command=%s expects at most one argument, got %d", name, len(args)))
}

func formatArg(a interface{}) string {
	switch v := a.(type) {
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case string:
		return v
	}
	return fmt.Sprint(a)
}

// ParseCommand trims whitespace and NUL padding left by fixed size device buffers.
func ParseCommand(b []byte) (Command, error) {
	s := strings.TrimRight(string(b), "\x00")
	s = strings.TrimSpace(s)
	if s == "" {
		return Command{}, errors.NotValidf("empty command")
	}
	if i := strings.Index(s, commandArgSep); i >= 0 {
		return Command{Name: s[:i], Arg: s[i+1:], HasArg: true}, nil
	}
	return Command{Name: s}, nil
}

func SetSamplingRate(hz int) []byte { return EncodeCommand(CmdSetSamplingRate, hz) }
