package model

import "math"

// float32 machine epsilon, kept so bucket boundaries agree with references
// computed in single precision.
const bucketLogEps = 1.1920928955078125e-07

// attentionMask returns a (batch, qLen, kLen) mask where a query may see a
// key iff both segment ids are non-zero and equal. causal additionally hides
// keys with a larger index than the query.
func attentionMask(qSeg, kSeg []int, batch, qLen, kLen int, causal bool) []bool {
	mask := make([]bool, batch*qLen*kLen)
	for b := 0; b < batch; b++ {
		for i := 0; i < qLen; i++ {
			qs := qSeg[b*qLen+i]
			for j := 0; j < kLen; j++ {
				ks := kSeg[b*kLen+j]
				ok := qs != 0 && qs == ks
				if causal && j > i {
					ok = false
				}
				mask[(b*qLen+i)*kLen+j] = ok
			}
		}
	}
	return mask
}

// relativePositionBucket maps a key-minus-query offset to a bucket. Small
// offsets get their own bucket; larger ones share logarithmically sized
// buckets up to maxDistance. Bidirectional buckets split the range between
// negative and positive offsets; otherwise keys after the query share bucket 0.
func relativePositionBucket(relative int, bidirectional bool, numBuckets, maxDistance int) int {
	ret := 0
	n := -relative
	if bidirectional {
		numBuckets /= 2
		if n < 0 {
			ret += numBuckets
			n = -n
		}
	} else if n < 0 {
		n = 0
	}
	maxExact := numBuckets / 2
	if n < maxExact {
		return ret + n
	}
	large := maxExact + int(math.Log(float64(n)/float64(maxExact)+bucketLogEps)/
		math.Log(float64(maxDistance)/float64(maxExact))*float64(numBuckets-maxExact))
	if large > numBuckets-1 {
		large = numBuckets - 1
	}
	return ret + large
}

// relativeBuckets computes bucket ids laid out as (batch, qLen, kLen) from
// per-token positions.
func relativeBuckets(qPos, kPos []int, batch, qLen, kLen int, bidirectional bool, rp RelativePositionConfig) []int {
	out := make([]int, batch*qLen*kLen)
	for b := 0; b < batch; b++ {
		for i := 0; i < qLen; i++ {
			for j := 0; j < kLen; j++ {
				rel := kPos[b*kLen+j] - qPos[b*qLen+i]
				out[(b*qLen+i)*kLen+j] = relativePositionBucket(rel, bidirectional, rp.NumBuckets, rp.MaxDistance)
			}
		}
	}
	return out
}
