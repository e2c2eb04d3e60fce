package heartbeat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/jamiebuilds/ClusterRunner/internal/digest"
	"github.com/jamiebuilds/ClusterRunner/internal/managerclient"
)

// Three consecutive transport failures at threshold 3 must invoke the
// failure callback exactly once.
func TestLoop_KillsAfterConsecutiveTransportFailures(t *testing.T) {
	// Point the client at a manager url nothing listens on, so every
	// heartbeat is a dial failure (a transport fault).
	client := managerclient.New("127.0.0.1:1", digest.NewSecret("s"), 1)

	var killed int32
	l := New(client, func() int { return 7 }, 5*time.Millisecond, 3, func() {
		atomic.AddInt32(&killed, 1)
	}, zap.NewNop())

	l.tick()
	l.tick()
	assert.EqualValues(t, 0, atomic.LoadInt32(&killed))
	assert.EqualValues(t, 2, l.FailureCount())

	l.tick()
	assert.EqualValues(t, 1, atomic.LoadInt32(&killed))
	assert.EqualValues(t, 3, l.FailureCount())
}
