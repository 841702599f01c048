package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitReply(t *testing.T) {
	const m = MaxReplyPayloadSize
	for _, size := range []int{0, 1, m - 1, m, m + 1, 2 * m, 2*m + 7, 5*m + m/2} {
		payload := bytes.Repeat([]byte{0x5a}, size)
		for i := range payload {
			payload[i] = byte(i * 31)
		}
		chunks := splitReply(payload)

		want := size / m
		if size%m > 0 {
			want++
		}
		assert.Len(t, chunks, want, "size %d", size)
		var joined []byte
		for i, c := range chunks {
			assert.LessOrEqual(t, len(c), m)
			if i < len(chunks)-1 {
				assert.Len(t, c, m, "size %d chunk %d", size, i)
			}
			joined = append(joined, c...)
		}
		assert.Equal(t, size, len(joined))
		assert.True(t, bytes.Equal(payload, joined), "size %d", size)
	}
}

func TestQueueArgs(t *testing.T) {
	assert.Empty(t, queueArgs(QueueConfig{Name: "q"}))
	assert.Empty(t, queueArgs(QueueConfig{Name: "q", TTL: -1}))

	args := queueArgs(QueueConfig{Name: "q", TTL: 250, AutoDelete: true})
	assert.Equal(t, int64(250), args["x-message-ttl"])
	assert.Equal(t, int32(300000), args["x-expires"])

	args = queueArgs(QueueConfig{Name: "q", TTL: 3000000000})
	assert.Equal(t, int64(3000000000), args["x-message-ttl"])

	args = queueArgs(QueueConfig{Name: "q", TTL: 1 << 40})
	assert.Equal(t, MaxMessageTTL, args["x-message-ttl"])
}
