//go:build !windows

package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/scriptstream/stream"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return pid
}

// exited also counts zombies, orphans are only reaped if something in the container reaps them
func exited(pid int) bool {
	if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	return err == nil && strings.Contains(string(stat), ") Z ")
}

func requireExits(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool { return exited(pid) }, 5*time.Second, 20*time.Millisecond, "process %d is still running", pid)
}

// the script and its background child write their PIDs, so both can be checked after the reader goes away
const blockingWithChild = `sleep 30 &
echo $! > child.pid
echo $$ > script.pid
echo started
wait`

func TestHTTPDisconnectKillsProcess(t *testing.T) {
	ts := newTestServer(t)
	ts.script(t, "block.sh", blockingWithChild)

	ctx, cancel := context.WithCancel(context.Background())
	resp, _ := startBlocking(t, ts, ctx, stream.Request{Script: "block.sh"})
	defer resp.Body.Close()
	scriptPID := readPID(t, filepath.Join(ts.dir, "script.pid"))
	childPID := readPID(t, filepath.Join(ts.dir, "child.pid"))

	cancel()
	requireExits(t, scriptPID)
	requireExits(t, childPID)
}

func TestWSDisconnectKillsProcess(t *testing.T) {
	ts := newTestServer(t)
	ts.script(t, "block.sh", blockingWithChild)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/run/ws", nil)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, stream.Request{Script: "block.sh"}))

	_, b, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, err := stream.Decode(b)
	require.NoError(t, err)
	require.Equal(t, "info:started", describe(msg))
	scriptPID := readPID(t, filepath.Join(ts.dir, "script.pid"))
	childPID := readPID(t, filepath.Join(ts.dir, "child.pid"))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "cancel"))
	requireExits(t, scriptPID)
	requireExits(t, childPID)
}
