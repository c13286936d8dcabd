package registryclient_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"distributed-register/internal/registryclient"
	"distributed-register/internal/wire"
)

func testCodec() *wire.Codec {
	return wire.NewCodec([4]byte{1, 2, 3, 4}, make([]byte, 64), make([]byte, 32))
}

func TestSendToSelfBypassesNetwork(t *testing.T) {
	var mu sync.Mutex
	var received []wire.Command

	c := registryclient.New(testCodec(), 1, map[byte]string{}, func(cmd wire.Command) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, cmd)
	})

	c.Send(1, wire.Command{ReadProc: &wire.ReadProcCmd{ReadIdent: 1, SectorIdx: 2}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, uint64(2), received[0].ReadProc.SectorIdx)
}

func TestSendOverNetworkDeliversFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	codec := testCodec()
	received := make(chan wire.Command, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		cmd, authenticated, err := codec.Deserialize(conn)
		if err != nil {
			return
		}
		if authenticated {
			received <- cmd
		}
	}()

	c := registryclient.New(codec, 1, map[byte]string{2: ln.Addr().String()}, func(wire.Command) {
		t.Fatal("local handler should not be invoked for a remote rank")
	})

	c.Send(2, wire.Command{ReadProc: &wire.ReadProcCmd{ReadIdent: 7, SectorIdx: 9}})

	select {
	case cmd := <-received:
		require.Equal(t, uint64(9), cmd.ReadProc.SectorIdx)
		require.Equal(t, byte(1), cmd.ProcessIdentifier)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the frame")
	}
}

func TestBroadcastIncludesSelf(t *testing.T) {
	var mu sync.Mutex
	localHit := false

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	codec := testCodec()
	peerReceived := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := codec.Deserialize(conn); err == nil {
			peerReceived <- struct{}{}
		}
	}()

	c := registryclient.New(codec, 1, map[byte]string{2: ln.Addr().String()}, func(wire.Command) {
		mu.Lock()
		localHit = true
		mu.Unlock()
	})

	c.Broadcast(wire.Command{ReadProc: &wire.ReadProcCmd{ReadIdent: 1, SectorIdx: 1}})

	select {
	case <-peerReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received broadcast frame")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, localHit)
}

func TestSendToUnreachablePeerDoesNotPanic(t *testing.T) {
	c := registryclient.New(testCodec(), 1, map[byte]string{2: "127.0.0.1:1"}, func(wire.Command) {})
	require.NotPanics(t, func() {
		c.Send(2, wire.Command{ReadProc: &wire.ReadProcCmd{ReadIdent: 1, SectorIdx: 1}})
	})
}
