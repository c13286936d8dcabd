// cmd/kvregctl is a Cobra CLI that speaks the register's own binary wire
// protocol directly to one process, no HTTP involved.
//
// Usage:
//
//	kvregctl read 0                    --addr localhost:9001
//	kvregctl write 0 sector.bin         --addr localhost:9001
//	kvregctl bench 100                  --addr localhost:9001
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"distributed-register/internal/config"
	"distributed-register/internal/wire"
)

var (
	serverAddr    string
	systemKeyPath string
	clientKeyPath string
	timeout       time.Duration
	nextRequestID uint64
)

func main() {
	root := &cobra.Command{
		Use:   "kvregctl",
		Short: "binary-protocol client for the replicated atomic register",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "localhost:9001", "process address")
	root.PersistentFlags().StringVar(&clientKeyPath, "client-key", "", "path to the 32-byte HMAC client key")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "round-trip timeout")

	root.AddCommand(readCmd(), writeCmd(), benchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadClientKey() ([]byte, error) {
	if clientKeyPath == "" {
		return make([]byte, 32), nil
	}
	return os.ReadFile(clientKeyPath)
}

func dial() (net.Conn, *wire.Codec, error) {
	clientKey, err := loadClientKey()
	if err != nil {
		return nil, nil, fmt.Errorf("read client key: %w", err)
	}
	codec := wire.NewCodec(config.DefaultMagic, make([]byte, 64), clientKey)

	conn, err := net.DialTimeout("tcp", serverAddr, timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	return conn, codec, nil
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <sector>",
		Short: "Read one sector and print its bytes to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sector index %q: %w", args[0], err)
			}
			conn, codec, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := roundTrip(conn, codec, wire.Command{Read: &wire.ReadCmd{RequestID: nextID(), SectorIdx: idx}})
			if err != nil {
				return err
			}
			if resp.ReadResponse == nil {
				return fmt.Errorf("unexpected response frame")
			}
			if resp.ReadResponse.Status != wire.StatusOK {
				return fmt.Errorf("read rejected: status %d", resp.ReadResponse.Status)
			}
			_, err = os.Stdout.Write(resp.ReadResponse.Data[:])
			return err
		},
	}
}

func writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <sector> <file>",
		Short: "Write a 4096-byte file's contents to one sector",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sector index %q: %w", args[0], err)
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			if len(raw) != wire.SectorSize {
				return fmt.Errorf("%s must be exactly %d bytes, got %d", args[1], wire.SectorSize, len(raw))
			}
			var data [wire.SectorSize]byte
			copy(data[:], raw)

			conn, codec, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := roundTrip(conn, codec, wire.Command{Write: &wire.WriteCmd{RequestID: nextID(), SectorIdx: idx, Data: data}})
			if err != nil {
				return err
			}
			if resp.WriteResponse == nil {
				return fmt.Errorf("unexpected response frame")
			}
			if resp.WriteResponse.Status != wire.StatusOK {
				return fmt.Errorf("write rejected: status %d", resp.WriteResponse.Status)
			}
			fmt.Printf("wrote sector %d\n", idx)
			return nil
		},
	}
}

func benchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench <n>",
		Short: "Write then read n sectors sequentially, reporting total latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid count %q: %w", args[0], err)
			}
			conn, codec, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			var data [wire.SectorSize]byte
			start := time.Now()
			for i := 0; i < n; i++ {
				idx := uint64(i)
				data[0] = byte(i)
				if _, err := roundTrip(conn, codec, wire.Command{Write: &wire.WriteCmd{RequestID: nextID(), SectorIdx: idx, Data: data}}); err != nil {
					return fmt.Errorf("write %d: %w", i, err)
				}
				if _, err := roundTrip(conn, codec, wire.Command{Read: &wire.ReadCmd{RequestID: nextID(), SectorIdx: idx}}); err != nil {
					return fmt.Errorf("read %d: %w", i, err)
				}
			}
			elapsed := time.Since(start)
			fmt.Printf("%d write+read pairs in %s (%.2f ops/sec)\n", n, elapsed, float64(2*n)/elapsed.Seconds())
			return nil
		},
	}
}

func nextID() uint64 {
	nextRequestID++
	return nextRequestID
}

func roundTrip(conn net.Conn, codec *wire.Codec, cmd wire.Command) (wire.Command, error) {
	frame, err := codec.Serialize(cmd)
	if err != nil {
		return wire.Command{}, fmt.Errorf("serialize: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return wire.Command{}, fmt.Errorf("write: %w", err)
	}
	resp, _, err := codec.Deserialize(conn)
	if err != nil {
		if err == io.EOF {
			return wire.Command{}, fmt.Errorf("connection closed before response")
		}
		return wire.Command{}, fmt.Errorf("deserialize response: %w", err)
	}
	return resp, nil
}
