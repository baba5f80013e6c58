package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainEvent_Accessors(t *testing.T) {
	e := ChainEvent{
		BlockNumber:  1678953,
		TokenID:      "2",
		TxHash:       "0xfeed",
		LogIndex:     3,
		ReturnValues: map[string]string{"from": "0x00", "to": "0xabc", "tokenId": "2"},
	}

	assert.Equal(t, "0xfeed:3", e.Key())
	assert.Equal(t, "0x00", e.From())
	assert.Equal(t, "0xabc", e.To())
}

func TestIngestJob_AttemptsLeft(t *testing.T) {
	job := &IngestJob{AttemptsAllowed: 3}
	assert.Equal(t, 3, job.AttemptsLeft())

	job.AttemptsMade = 3
	assert.Equal(t, 0, job.AttemptsLeft())

	job.AttemptsMade = 5
	assert.Equal(t, 0, job.AttemptsLeft())
}

func TestNewGeoPoint(t *testing.T) {
	p := NewGeoPoint(-6.256737186, 53.34401637)
	assert.Equal(t, SRIDWGS84, p.SRID)
	assert.Equal(t, -6.256737186, p.Lon)
}
