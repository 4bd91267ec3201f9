package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstancesAreIsolated(t *testing.T) {
	a := NewStats()
	b := NewStats()

	a.IncDagBlockProposed()
	a.IncDagBlockProposed()
	a.IncVoteRejected("bad_signature")
	a.IncVoteReceived("soft")
	a.ObservePeriodFinalized(3, 100*time.Millisecond)

	sa := a.Snapshot()
	sb := b.Snapshot()
	assert.Equal(t, uint64(2), sa.DagBlocksProposed)
	assert.Equal(t, uint64(1), sa.VotesRejected["bad_signature"])
	assert.Equal(t, uint64(1), sa.VotesReceived)
	assert.Equal(t, uint64(1), sa.PeriodsFinalized)
	assert.Equal(t, uint64(4), sa.Period)
	assert.Equal(t, uint64(0), sb.DagBlocksProposed)
	assert.Empty(t, sb.VotesRejected)
}

func TestRoundStateGauges(t *testing.T) {
	s := NewStats()
	s.SetRoundState(7, 2, 4)
	s.SetThresholdUpper(1600)
	snap := s.Snapshot()
	assert.Equal(t, uint64(7), snap.Period)
	assert.Equal(t, uint64(2), snap.Round)
	assert.Equal(t, uint64(4), snap.Step)
	assert.Equal(t, uint64(1600), snap.ThresholdUpper)
}

func TestRecordAPICall(t *testing.T) {
	s := NewStats()
	s.RecordAPICall("vote")
	s.RecordAPICall("vote")
	s.RecordAPICall("dag_block")
	got := s.GetAPICallStats()
	assert.Equal(t, uint64(2), got["vote"])
	assert.Equal(t, uint64(1), got["dag_block"])
}
