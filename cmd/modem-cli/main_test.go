package main

import (
	"strings"
	"testing"
	"time"

	"github.com/sensorsafrica/airnode/hardware/modem"
	"github.com/sensorsafrica/airnode/internal/state"
	"github.com/sensorsafrica/airnode/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	type Case struct {
		input     string
		names     []string
		loop      uint
		expectErr string
	}
	cases := []Case{
		{"", nil, 0, ""},
		{"AT+CSQ", []string{"AT+CSQ"}, 0, ""},
		{`at+qhttpurl=23,80 `, []string{"at+qhttpurl=23,80"}, 0, ""},
		{"AT+CSQ loop=2", []string{"AT+CSQ loop=2"}, 0, ""},
		{"wait +QHTTPPOST:", []string{"wait +QHTTPPOST:"}, 0, ""},
		{"csq s100 time loop=3", []string{"csq", "s100", "time"}, 3, ""},
		{"log=yes bringup", []string{"log=yes", "bringup"}, 0, ""},
		{"loop=1 loop=2", nil, 0, "multiple loop commands"},
		{"sx", nil, 0, "word=sx"},
		{"dial", nil, 0, "invalid command: 'dial'"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			p, err := parseLine(c.input, time.Second)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			names := make([]string, 0, len(p.steps))
			for _, s := range p.steps {
				names = append(names, s.name)
			}
			if c.names == nil {
				assert.Empty(t, names)
			} else {
				assert.Equal(t, c.names, names)
			}
			assert.Equal(t, c.loop, p.loop)
		})
	}
}

func TestRunRaw(t *testing.T) {
	t.Parallel()
	peer := modem.NewMockPeer(
		modem.MockStep{Command: "AT+CSQ", Reply: "\r\n+CSQ: 20,99\r\n\r\nOK\r\n"},
		modem.MockStep{Command: "AT+CSQ", Reply: "\r\n+CSQ: 21,99\r\n\r\nOK\r\n"},
	)
	ctx, g := state.NewContext(log2.NewTest(t, log2.LDebug))
	g.Config = new(state.Config)
	g.Config.Cellular.Enable = true
	g.Hardware.Modem.Uarter = peer
	defer g.Close()

	p, err := parseLine("AT+CSQ", time.Second)
	require.NoError(t, err)
	require.NoError(t, p.run(ctx))
	require.NoError(t, p.run(ctx))
	assert.Equal(t, []string{"AT+CSQ", "AT+CSQ"}, peer.Written())
	peer.Check(t)

	// session commands are guarded by modem state
	p, err = parseLine("csq", time.Second)
	require.NoError(t, err)
	err = p.run(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "state=powered-off"), err.Error())
}
