package telenet_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/tele"
	telenet "github.com/temoto/imulink/tele/net"
)

func TestUDPExchange(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.Lmicroseconds | log2.Lshortfile)

	dev, err := telenet.ListenUDP("127.0.0.1:0", telenet.UDPOptions{Log: log.Clone(log2.LDebug)})
	require.NoError(t, err)
	defer dev.Close()
	host, err := telenet.ListenUDP("127.0.0.1:0", telenet.UDPOptions{Log: log})
	require.NoError(t, err)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, host.Send(ctx, dev.LocalAddr(), tele.EncodeCommand(tele.CmdPing)))
	d, err := dev.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(d.Data))
	assert.Equal(t, host.LocalAddr().String(), d.Addr.String())
	assert.True(t, dev.SinceLastRecv() < time.Second)

	frame := tele.EncodeFrame(tele.Frame{Timestamp: 1})
	require.NoError(t, dev.Send(ctx, d.Addr, frame))
	d, err = host.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, d.Data)

	assert.Equal(t, int64(1), dev.Stat().Recv.Cmd.Count.Value())
	assert.Equal(t, int64(1), dev.Stat().Send.Tele.Count.Value())
	assert.Equal(t, int64(tele.FrameSize), host.Stat().Recv.Tele.Size.Value())
	t.Logf("dev stat=%s", dev.Stat())
}

func TestUDPReceiveCancel(t *testing.T) {
	t.Parallel()

	ch, err := telenet.ListenUDP("127.0.0.1:0", telenet.UDPOptions{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = ch.Receive(ctx)
	require.Error(t, err)
	assert.False(t, telenet.IsPermanent(err))

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = ch.Receive(ctx)
	require.Error(t, err)
}

func TestUDPCloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	ch, err := telenet.ListenUDP("127.0.0.1:0", telenet.UDPOptions{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	errch := make(chan error, 1)
	go func() {
		_, err := ch.Receive(context.Background())
		errch <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close(), "close must be idempotent")
	select {
	case err := <-errch:
		assert.True(t, telenet.IsPermanent(err), "err=%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive still blocked after close")
	}

	err = ch.Send(context.Background(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, []byte("ping"))
	assert.True(t, telenet.IsPermanent(err))
}
