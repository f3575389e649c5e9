package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestEffectiveState(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		ad   Advertisement
		want AdState
	}{
		{"active without dates", Advertisement{IsActive: true}, AdActive},
		{"inactive without dates", Advertisement{IsActive: false}, AdInactive},
		{"expired yesterday", Advertisement{IsActive: true, EndDate: &yesterday}, AdExpired},
		{"scheduled for tomorrow", Advertisement{IsActive: true, StartDate: &tomorrow}, AdScheduled},
		{"inactive overrides open window", Advertisement{IsActive: false, StartDate: &yesterday, EndDate: &tomorrow}, AdInactive},
		{"open window", Advertisement{IsActive: true, StartDate: &yesterday, EndDate: &tomorrow}, AdActive},
		{"start wins over end when both out of range", Advertisement{IsActive: true, StartDate: &tomorrow, EndDate: &yesterday}, AdScheduled},
		{"start equal to now is active", Advertisement{IsActive: true, StartDate: ptr(now)}, AdActive},
		{"end equal to now is active", Advertisement{IsActive: true, EndDate: ptr(now)}, AdActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveState(&tt.ad, now))
		})
	}
}

func TestEffectiveStateIsTotal(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	dates := []*time.Time{nil, ptr(now.Add(-time.Hour)), ptr(now), ptr(now.Add(time.Hour))}

	for _, active := range []bool{true, false} {
		for _, start := range dates {
			for _, end := range dates {
				ad := &Advertisement{IsActive: active, StartDate: start, EndDate: end}
				state := EffectiveState(ad, now)
				assert.Contains(t, []AdState{AdInactive, AdScheduled, AdActive, AdExpired}, state)
				if !active {
					assert.Equal(t, AdInactive, state)
				}
			}
		}
	}

	assert.Equal(t, AdInactive, EffectiveState(nil, now))
}

func TestRatio(t *testing.T) {
	rate, clamped := Ratio(0, 0)
	assert.Zero(t, rate)
	assert.False(t, clamped)

	rate, clamped = Ratio(5, 0)
	assert.Zero(t, rate)
	assert.False(t, clamped)

	rate, _ = Ratio(1, 4)
	assert.InDelta(t, 0.25, rate, 1e-9)

	rate, clamped = Ratio(7, 3)
	assert.Equal(t, 1.0, rate)
	assert.True(t, clamped)

	for clicks := int64(0); clicks < 20; clicks++ {
		for imps := int64(0); imps < 20; imps++ {
			rate, _ := Ratio(clicks, imps)
			assert.GreaterOrEqual(t, rate, 0.0)
			assert.LessOrEqual(t, rate, 1.0)
		}
	}
}

func TestCommentState(t *testing.T) {
	assert.Equal(t, CommentPending, (&Comment{}).State())
	assert.Equal(t, CommentApproved, (&Comment{IsApproved: true}).State())
	assert.Equal(t, CommentSpam, (&Comment{IsSpam: true}).State())
	assert.Equal(t, CommentSpam, (&Comment{IsApproved: true, IsSpam: true}).State())

	for _, s := range []CommentState{CommentPending, CommentApproved, CommentSpam} {
		approved, spam := s.Flags()
		c := &Comment{IsApproved: approved, IsSpam: spam}
		assert.Equal(t, s, c.State())

		parsed, ok := ParseCommentState(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, parsed)
	}
}

func TestDayStartUsesSiteTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	// 22:30 UTC is already the next day at UTC+3.
	ts := time.Date(2024, 3, 10, 22, 30, 0, 0, time.UTC)

	day := DayStart(ts, loc)
	assert.Equal(t, 11, day.Day())
	assert.Equal(t, 0, day.Hour())

	assert.Equal(t, 10, DayStart(ts, nil).Day())
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, (&Event{Kind: EventViewRecorded, ArticleID: "a"}).Validate())
	assert.Error(t, (&Event{Kind: EventAdClick}).Validate())
	assert.Error(t, (&Event{Kind: EventModerationAction, CommentID: "c"}).Validate())
	assert.Error(t, (&Event{Kind: "bogus"}).Validate())
	assert.False(t, EventKind("bogus").Valid())
	assert.True(t, EventCommentSubmitted.Valid())
}
