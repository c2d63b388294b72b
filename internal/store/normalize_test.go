package store_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/autopost/internal/store"
	"github.com/kiranshivaraju/autopost/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeJob_LegacyRow(t *testing.T) {
	empty := ""
	loc := time.FixedZone("JST", 9*60*60)
	j := store.NormalizeJob(&models.Job{
		Platform:       "Twitter",
		Status:         " PENDING ",
		Attempts:       -1,
		LastError:      &empty,
		ExternalPostID: &empty,
		DraftID:        &empty,
		RunAt:          time.Date(2025, 1, 2, 9, 0, 0, 0, loc),
	})

	assert.Equal(t, models.PlatformX, j.Platform)
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Nil(t, j.LastError)
	assert.Nil(t, j.ExternalPostID)
	assert.Nil(t, j.DraftID)
	assert.Equal(t, time.UTC, j.RunAt.Location())
	assert.Equal(t, 0, j.RunAt.Hour())
}
