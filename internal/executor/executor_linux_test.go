//go:build linux

package executor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processAlive treats zombies as dead.
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	return len(fields) > 2 && fields[2] != "Z"
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	res := testExecutor().Run(context.Background(), Config{
		Command: "sleep 5 & echo $!; wait",
		Shell:   true,
		Timeout: 100 * time.Millisecond,
	})
	require.True(t, res.TimedOut)

	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	require.NoError(t, err, "stdout: %q", res.Stdout)

	assert.Eventually(t, func() bool { return !processAlive(pid) }, time.Second, 10*time.Millisecond)
}

func TestRun_IgnoredTermIsKilled(t *testing.T) {
	start := time.Now()
	res := testExecutor().Run(context.Background(), Config{
		Command: "trap '' TERM; while true; do sleep 0.05; done",
		Shell:   true,
		Timeout: 50 * time.Millisecond,
	})

	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
}
