package guestagent_test

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/guestagent"
)

// fakeAgent runs a minimal line-delimited JSON echo server that
// answers guest-fsfreeze-status/freeze/thaw the way a real guest
// agent would, so guestagent.Client can be tested without a VM.
func fakeAgent(t *testing.T, socket string) {
	t.Helper()
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		state := "thawed"
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			execute := gjson.GetBytes(line, "execute").String()
			var resp string
			switch execute {
			case "guest-fsfreeze-status":
				resp = `{"return":"` + state + `"}`
			case "guest-fsfreeze-freeze":
				state = "frozen"
				resp = `{"return":1}`
			case "guest-fsfreeze-thaw":
				state = "thawed"
				resp = `{"return":1}`
			default:
				resp = `{"return":{}}`
			}
			conn.Write([]byte(resp + "\n"))
		}
	}()
}

func TestFreezeThenThawRoundTrip(t *testing.T) {
	socket := t.TempDir() + "/agent.sock"
	fakeAgent(t, socket)

	c, err := guestagent.Dial(context.Background(), socket)
	require.NoError(t, err)
	defer c.Close()

	n, err := c.Freeze()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	state, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "frozen", state)

	n, err = c.Thaw()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestFreezeIsIdempotentWhenAlreadyFrozen(t *testing.T) {
	socket := t.TempDir() + "/agent.sock"
	fakeAgent(t, socket)

	c, err := guestagent.Dial(context.Background(), socket)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Freeze()
	require.NoError(t, err)

	n, err := c.Freeze()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestSupportsFreezeChecksCommandList(t *testing.T) {
	assert.True(t, guestagent.SupportsFreeze([]string{"guest-ping", "guest-fsfreeze-freeze"}))
	assert.False(t, guestagent.SupportsFreeze([]string{"guest-ping"}))
}
