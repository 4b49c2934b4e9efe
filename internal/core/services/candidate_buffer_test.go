package services

import (
	"fmt"
	"testing"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(i int) domain.Candidate {
	return domain.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d 5000%d typ host", i, i, i)}
}

func TestCandidateBuffer_DrainReturnsArrivalOrderOnce(t *testing.T) {
	buf := NewCandidateBuffer(16)
	sid := domain.SessionID("s1")

	for i := 0; i < 5; i++ {
		buf.Append(sid, cand(i))
	}

	drained := buf.Drain(sid)
	require.Len(t, drained, 5)
	for i, c := range drained {
		assert.Equal(t, cand(i), c)
	}

	assert.Empty(t, buf.Drain(sid), "second drain must be empty")
	assert.Equal(t, 0, buf.Len(sid))
}

func TestCandidateBuffer_SessionsAreIndependent(t *testing.T) {
	buf := NewCandidateBuffer(16)
	buf.Append("a", cand(1))
	buf.Append("b", cand(2))
	buf.Append("b", cand(3))

	assert.Equal(t, []domain.Candidate{cand(1)}, buf.Drain("a"))
	assert.Equal(t, 2, buf.Len("b"))
}

func TestCandidateBuffer_EvictsOldestWhenFull(t *testing.T) {
	buf := NewCandidateBuffer(3)
	evictions := 0
	buf.OnEvict(func(domain.SessionID) { evictions++ })

	for i := 0; i < 5; i++ {
		buf.Append("s", cand(i))
	}

	assert.Equal(t, 2, evictions)
	assert.Equal(t, []domain.Candidate{cand(2), cand(3), cand(4)}, buf.Drain("s"))
}

func TestCandidateBuffer_Clear(t *testing.T) {
	buf := NewCandidateBuffer(0)
	buf.Append("s", cand(1))
	buf.Clear("s")

	assert.Empty(t, buf.Drain("s"))
}
