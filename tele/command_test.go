package tele

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		expect string
		got    []byte
	}{
		{"ping", EncodeCommand(CmdPing)},
		{"getStatus", EncodeCommand(CmdGetStatus)},
		{"startStreaming", EncodeCommand(CmdStartStreaming)},
		{"stopStreaming", EncodeCommand(CmdStopStreaming)},
		{"setSamplingRate:100", SetSamplingRate(100)},
		{"setSamplingRate:0", SetSamplingRate(0)},
		{"setSamplingRate:-5", EncodeCommand(CmdSetSamplingRate, int64(-5))},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, string(c.got))
	}
	assert.Panics(t, func() { EncodeCommand(CmdPing, 1, 2) })
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		expect Command
		intArg int
		intErr bool
		err    string
	}{
		{"ping", Command{Name: "ping"}, 0, true, ""},
		{"ping\x00\x00\x00", Command{Name: "ping"}, 0, true, ""},
		{" getStatus\n", Command{Name: "getStatus"}, 0, true, ""},
		{"setSamplingRate:50", Command{Name: "setSamplingRate", Arg: "50", HasArg: true}, 50, false, ""},
		{"setSamplingRate:-3", Command{Name: "setSamplingRate", Arg: "-3", HasArg: true}, -3, false, ""},
		{"setSamplingRate:fast", Command{Name: "setSamplingRate", Arg: "fast", HasArg: true}, 0, true, ""},
		{"a:b:c", Command{Name: "a", Arg: "b:c", HasArg: true}, 0, true, ""},
		{"", Command{}, 0, true, "empty command not valid"},
		{"\x00\x00", Command{}, 0, true, "empty command not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(c.input))
			if c.err != "" {
				require.Error(t, err)
				assert.Equal(t, c.err, err.Error())
				assert.True(t, errors.IsNotValid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, cmd)
			n, err := cmd.IntArg()
			if c.intErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, c.intArg, n)
			}
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	t.Parallel()

	for _, b := range [][]byte{EncodeCommand(CmdPing), SetSamplingRate(200)} {
		cmd, err := ParseCommand(b)
		require.NoError(t, err)
		assert.Equal(t, string(b), cmd.String())
	}
}
