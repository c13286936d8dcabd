package runtime_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"distributed-register/internal/executor"
	"distributed-register/internal/register"
	"distributed-register/internal/registryclient"
	"distributed-register/internal/runtime"
	"distributed-register/internal/sectors"
	"distributed-register/internal/storage"
	"distributed-register/internal/wire"
)

func sectorOf(b byte) [wire.SectorSize]byte {
	var d [wire.SectorSize]byte
	for i := range d {
		d[i] = b
	}
	return d
}

func startSingleProcessRuntime(t *testing.T) string {
	t.Helper()
	sys := executor.NewSystem()
	t.Cleanup(sys.Shutdown)

	codec := wire.NewCodec([4]byte{0xca, 0xfe, 0xba, 0xbe}, make([]byte, 64), make([]byte, 32))

	sectorsMgr, err := sectors.Open(t.TempDir(), 4)
	require.NoError(t, err)
	metaStore, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	var ref *executor.ModuleRef[register.Worker]
	client := registryclient.New(codec, 1, map[byte]string{}, func(cmd wire.Command) {
		executor.Send(ref, register.SystemFrame{Cmd: cmd})
	})
	worker := register.NewWorker(0, 1, 1, 1, sectorsMgr, metaStore, client)
	ref = register.RegisterWorker(sys, worker)

	rt := runtime.New(codec, 16, []*executor.ModuleRef[register.Worker]{ref})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go rt.ListenAndServe(addr)
	t.Cleanup(func() { rt.Close() })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return addr
}

func dial(t *testing.T, addr string) (net.Conn, *wire.Codec) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	codec := wire.NewCodec([4]byte{0xca, 0xfe, 0xba, 0xbe}, make([]byte, 64), make([]byte, 32))
	return conn, codec
}

// TestWriteThenReadSectorZero is the concrete end-to-end scenario: N=1,
// write sector 0 with 4096 bytes of 0x01, then read it back.
func TestWriteThenReadSectorZero(t *testing.T) {
	addr := startSingleProcessRuntime(t)
	conn, codec := dial(t, addr)
	defer conn.Close()

	writeFrame, err := codec.Serialize(wire.Command{Write: &wire.WriteCmd{RequestID: 1, SectorIdx: 0, Data: sectorOf(0x01)}})
	require.NoError(t, err)
	_, err = conn.Write(writeFrame)
	require.NoError(t, err)

	resp, authenticated, err := codec.Deserialize(conn)
	require.NoError(t, err)
	require.True(t, authenticated)
	require.NotNil(t, resp.WriteResponse)
	require.Equal(t, wire.StatusOK, resp.WriteResponse.Status)

	readFrame, err := codec.Serialize(wire.Command{Read: &wire.ReadCmd{RequestID: 2, SectorIdx: 0}})
	require.NoError(t, err)
	_, err = conn.Write(readFrame)
	require.NoError(t, err)

	resp, authenticated, err = codec.Deserialize(conn)
	require.NoError(t, err)
	require.True(t, authenticated)
	require.NotNil(t, resp.ReadResponse)
	require.Equal(t, wire.StatusOK, resp.ReadResponse.Status)
	require.Equal(t, sectorOf(0x01), resp.ReadResponse.Data)
}

func TestInvalidSectorIndexRejected(t *testing.T) {
	addr := startSingleProcessRuntime(t)
	conn, codec := dial(t, addr)
	defer conn.Close()

	frame, err := codec.Serialize(wire.Command{Read: &wire.ReadCmd{RequestID: 1, SectorIdx: 9999}})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	resp, authenticated, err := codec.Deserialize(conn)
	require.NoError(t, err)
	require.True(t, authenticated)
	require.Equal(t, wire.StatusInvalidSectorIndex, resp.ReadResponse.Status)
}

func TestAuthFailureRejected(t *testing.T) {
	addr := startSingleProcessRuntime(t)
	conn, _ := dial(t, addr)
	defer conn.Close()

	wrongClientKey := make([]byte, 32)
	wrongClientKey[0] = 0xff
	wrongKeyCodec := wire.NewCodec([4]byte{0xca, 0xfe, 0xba, 0xbe}, make([]byte, 64), wrongClientKey)
	frame, err := wrongKeyCodec.Serialize(wire.Command{Read: &wire.ReadCmd{RequestID: 1, SectorIdx: 0}})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	responseCodec := wire.NewCodec([4]byte{0xca, 0xfe, 0xba, 0xbe}, make([]byte, 64), make([]byte, 32))
	resp, authenticated, err := responseCodec.Deserialize(conn)
	require.NoError(t, err)
	require.True(t, authenticated) // response frame itself is validly authenticated
	require.Equal(t, wire.StatusAuthFailure, resp.ReadResponse.Status)
}
