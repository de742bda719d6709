package validator

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader 对每个触发串依次回复 replies
func fakeReader(t *testing.T, replies ...string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for _, reply := range replies {
			if _, err := r.ReadString('\r'); err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
		// 之后的触发不再应答
		_, _ = r.ReadString('\r')
		time.Sleep(200 * time.Millisecond)
	}()
	return ln.Addr().String()
}

func TestNetScanner(t *testing.T) {
	addr := fakeReader(t, "R0001\r", "NR\r")
	s := NewNetScanner(addr, "", nil)
	defer s.Close()
	ctx := context.Background()

	code, found, err := s.ScanOnce(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "R0001", code)

	_, found, err = s.ScanOnce(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, found)

	// 无应答按没有码处理
	_, found, err = s.ScanOnce(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNetScannerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, _, err = NewNetScanner(addr, "", nil).ScanOnce(context.Background(), 50*time.Millisecond)
	assert.Error(t, err)
}
