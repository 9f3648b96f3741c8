package telenet_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/imulink/log2"
	telenet "github.com/temoto/imulink/tele/net"
)

func TestPipe(t *testing.T) {
	t.Parallel()

	a, b := telenet.NewPipe("host", "device")
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("getStatus")))
	d, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "getStatus", string(d.Data))
	assert.Equal(t, "host", d.Addr.String())

	sendErr := fmt.Errorf("no route")
	a.SetSendError(sendErr)
	err = a.Send(ctx, b.LocalAddr(), []byte("ping"))
	assert.Equal(t, sendErr, errors.Cause(err))
	assert.False(t, telenet.IsPermanent(err))
	a.SetSendError(nil)

	require.NoError(t, b.Close())
	_, err = b.Receive(ctx)
	assert.True(t, telenet.IsPermanent(err))
	// peer closed, sender does not know
	assert.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("ping")))
}

func TestPumpOverflow(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	host, dev := telenet.NewPipe("host", "device")
	pump := telenet.NewPump(dev, 2, log)
	defer pump.Wait()
	defer dev.Close()
	defer pump.Stop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, host.Send(ctx, dev.LocalAddr(), []byte(fmt.Sprintf("cmd%d", i))))
	}
	require.Eventually(t, func() bool {
		return dev.Stat().Recv.Total.Count.Value() == 5
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	got := []string{}
	for {
		d, ok := pump.Poll()
		if !ok {
			break
		}
		got = append(got, string(d.Data))
	}
	assert.Equal(t, []string{"cmd0", "cmd1"}, got)
	assert.Equal(t, int64(3), dev.Stat().Recv.Dropped.Value())
}

func TestPumpStopOnClose(t *testing.T) {
	t.Parallel()

	_, dev := telenet.NewPipe("host", "device")
	pump := telenet.NewPump(dev, 0, log2.NewTest(t, log2.LDebug))
	_, ok := pump.Poll()
	assert.False(t, ok)
	require.NoError(t, dev.Close())
	done := make(chan struct{})
	go func() {
		pump.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop after channel close")
	}
}
