package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRelativePositionBucket(t *testing.T) {
	tests := []struct {
		rel           int
		bidirectional bool
		want          int
	}{
		{0, true, 0},
		{-1, true, 1},
		{1, true, 17},
		{-7, true, 7},
		{-20, true, 10},
		{20, true, 26},
		{-200, true, 15},
		{200, true, 31},
		{0, false, 0},
		{-3, false, 3},
		{5, false, 0},
		{-15, false, 15},
		{-40, false, 23},
		{-1000, false, 31},
	}
	for _, tt := range tests {
		got := relativePositionBucket(tt.rel, tt.bidirectional, 32, 128)
		assert.Equal(t, tt.want, got, "rel=%d bidirectional=%v", tt.rel, tt.bidirectional)
	}
}

func TestRelativePositionBucketProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rel := rapid.IntRange(-500, 500).Draw(t, "rel")
		bidirectional := rapid.Bool().Draw(t, "bidirectional")

		b := relativePositionBucket(rel, bidirectional, 32, 128)
		if b < 0 || b >= 32 {
			t.Fatalf("bucket %d out of range for rel %d", b, rel)
		}
		if !bidirectional && rel > 0 && b != 0 {
			t.Fatalf("future key %d got bucket %d", rel, b)
		}
		// Moving further away never lands in a closer bucket.
		farther := rel - 1
		if rel > 0 {
			farther = rel + 1
		}
		fb := relativePositionBucket(farther, bidirectional, 32, 128)
		if rel != 0 && fb < b {
			t.Fatalf("bucket shrank from %d to %d moving from %d to %d", b, fb, rel, farther)
		}
	})
}

func TestAttentionMask(t *testing.T) {
	seg := []int{1, 1, 2, 0}
	mask := attentionMask(seg, seg, 1, 4, 4, false)
	want := []bool{
		true, true, false, false,
		true, true, false, false,
		false, false, true, false,
		false, false, false, false,
	}
	assert.Equal(t, want, mask)

	causal := attentionMask(seg, seg, 1, 4, 4, true)
	assert.Equal(t, []bool{
		true, false, false, false,
		true, true, false, false,
		false, false, true, false,
		false, false, false, false,
	}, causal)

	cross := attentionMask([]int{1, 2}, []int{2, 1, 1}, 1, 2, 3, false)
	assert.Equal(t, []bool{false, true, true, true, false, false}, cross)
}

func TestRelativeBuckets(t *testing.T) {
	pos := []int{0, 1, 0, 1}
	got := relativeBuckets(pos, pos, 1, 4, 4, true, RelativePositionConfig{NumBuckets: 32, MaxDistance: 128})
	// Row 2 restarts at position 0, so it matches row 0.
	assert.Equal(t, got[0:4], got[8:12])
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 17, got[1])
	assert.Equal(t, 1, got[4])
}
