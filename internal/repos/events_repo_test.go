package repos_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/repos"
	"github.com/araquach/turnstile-datahub/internal/testutil"
)

func swipe(emp string, at time.Time, dir models.Direction) models.RawEvent {
	return models.RawEvent{EmployeeID: emp, SiteCode: "HQ", OccurredAt: at, Direction: dir}
}

func TestAppendStoresDuplicatesAndRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	r := repos.NewEventsRepo(testutil.OpenDB(t), testutil.Logger())

	at := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	res, err := r.Append(ctx, []models.RawEvent{
		swipe("E1", at, models.DirectionEntry),
		swipe("E1", at, models.DirectionEntry), // exact duplicate
		swipe("E1", time.Time{}, models.DirectionExit),
		swipe("", at, models.DirectionExit),
		swipe("E1", at, "sideways"),
	}, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 3, res.Rejected)
	require.Len(t, res.Errors, 3)
	for _, e := range res.Errors {
		var ve *apperr.ValidationError
		assert.True(t, errors.As(e, &ve), "want ValidationError, got %T", e)
	}

	n, err := r.Count(ctx, repos.EventQuery{EmployeeID: "E1", From: at, To: at.Add(time.Second)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestQueryIsHalfOpenAndOrdered(t *testing.T) {
	ctx := context.Background()
	r := repos.NewEventsRepo(testutil.OpenDB(t), testutil.Logger())

	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	_, err := r.Append(ctx, []models.RawEvent{
		swipe("E1", base.Add(17*time.Hour), models.DirectionExit),
		swipe("E1", base.Add(8*time.Hour), models.DirectionEntry),
		swipe("E1", base.Add(24*time.Hour), models.DirectionEntry), // next day, excluded
		swipe("E2", base.Add(9*time.Hour), models.DirectionEntry),
		swipe("E1", base, models.DirectionEntry), // boundary, included
	}, 0)
	require.NoError(t, err)

	got, err := r.Collect(ctx, repos.EventQuery{EmployeeID: "E1", From: base, To: base.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].OccurredAt.Equal(base))
	assert.True(t, got[1].OccurredAt.Equal(base.Add(8*time.Hour)))
	assert.True(t, got[2].OccurredAt.Equal(base.Add(17*time.Hour)))
	assert.Equal(t, time.UTC, got[0].OccurredAt.Location())
}

func TestQueryStopsWhenConsumerStops(t *testing.T) {
	ctx := context.Background()
	r := repos.NewEventsRepo(testutil.OpenDB(t), testutil.Logger())

	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	var batch []models.RawEvent
	for i := 0; i < 10; i++ {
		batch = append(batch, swipe("E1", base.Add(time.Duration(i)*time.Minute), models.DirectionEntry))
	}
	_, err := r.Append(ctx, batch, 3)
	require.NoError(t, err)

	seen := 0
	for _, err := range r.Query(ctx, repos.EventQuery{From: base, To: base.Add(time.Hour)}) {
		require.NoError(t, err)
		seen++
		if seen == 4 {
			break
		}
	}
	assert.Equal(t, 4, seen)

	// The connection was released: a further query works on a single-conn pool.
	n, err := r.Count(ctx, repos.EventQuery{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	r := repos.NewEventsRepo(testutil.OpenDB(t), testutil.Logger())

	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	_, err := r.Append(ctx, []models.RawEvent{
		swipe("E1", base.Add(time.Hour), models.DirectionEntry),
		swipe("E1", base.Add(48*time.Hour), models.DirectionEntry),
		swipe("E2", base.Add(time.Hour), models.DirectionEntry),
	}, 0)
	require.NoError(t, err)

	n, err := r.Purge(ctx, "E1", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = r.Purge(ctx, "", base, base.Add(24*time.Hour))
	assert.Error(t, err)

	left, err := r.Count(ctx, repos.EventQuery{From: base, To: base.Add(72 * time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, left)
}
