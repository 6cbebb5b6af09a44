package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/simd"
)

// MaskedLogit replaces the score of a disallowed query/key pair.
const MaskedLogit = -1e9

// AttentionSpec describes the batch geometry of a multi-head attention call.
type AttentionSpec struct {
	Batch    int
	QueryLen int
	KeyLen   int
	NumHeads int
	// Scale multiplies q.k before the bias is added.
	Scale float64
	// Mask has Batch*QueryLen*KeyLen entries; false drops the pair.
	// A nil mask attends everywhere.
	Mask []bool
}

// Attention computes softmax(scale*q*k^T + bias) * v per head.
//
// q is (Batch*QueryLen, D), k and v are (Batch*KeyLen, D) with heads laid
// out as contiguous column blocks of width D/NumHeads. bias is nil or
// (Batch*NumHeads*QueryLen, KeyLen). The result is (Batch*QueryLen, D).
func Attention(q, k, v, bias *Tensor, spec AttentionSpec) *Tensor {
	B, Tq, Tk, H := spec.Batch, spec.QueryLen, spec.KeyLen, spec.NumHeads
	qr, qc := q.Dims()
	kr, kc := k.Dims()
	vr, vc := v.Dims()
	switch {
	case qr != B*Tq:
		panic(fmt.Sprintf("tensor: Attention query rows %d, want %d", qr, B*Tq))
	case kr != B*Tk || vr != B*Tk:
		panic(fmt.Sprintf("tensor: Attention key/value rows %d/%d, want %d", kr, vr, B*Tk))
	case kc != qc || vc != qc:
		panic(fmt.Sprintf("tensor: Attention width mismatch q=%d k=%d v=%d", qc, kc, vc))
	case H <= 0 || qc%H != 0:
		panic(fmt.Sprintf("tensor: Attention width %d not divisible by %d heads", qc, H))
	}
	if bias != nil {
		br, bc := bias.Dims()
		if br != B*H*Tq || bc != Tk {
			panic(fmt.Sprintf("tensor: Attention bias %dx%d, want %dx%d", br, bc, B*H*Tq, Tk))
		}
	}
	if spec.Mask != nil && len(spec.Mask) != B*Tq*Tk {
		panic(fmt.Sprintf("tensor: Attention mask has %d entries, want %d", len(spec.Mask), B*Tq*Tk))
	}

	hd := qc / H
	qd, kd, vd := raw(q.value), raw(k.value), raw(v.value)
	var bd []float64
	if bias != nil {
		bd = raw(bias.value)
	}
	masked := func(b, i, j int) bool {
		return spec.Mask != nil && !spec.Mask[(b*Tq+i)*Tk+j]
	}
	qrow := func(b, h, i int) []float64 { return qd[(b*Tq+i)*qc+h*hd : (b*Tq+i)*qc+(h+1)*hd] }
	krow := func(b, h, j int) []float64 { return kd[(b*Tk+j)*qc+h*hd : (b*Tk+j)*qc+(h+1)*hd] }
	vrow := func(b, h, j int) []float64 { return vd[(b*Tk+j)*qc+h*hd : (b*Tk+j)*qc+(h+1)*hd] }

	probs := make([]float64, B*H*Tq*Tk)
	data := make([]float64, B*Tq*qc)
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for i := 0; i < Tq; i++ {
				base := ((b*H+h)*Tq + i) * Tk
				row := probs[base : base+Tk]
				qi := qrow(b, h, i)
				for j := 0; j < Tk; j++ {
					if masked(b, i, j) {
						row[j] = MaskedLogit
						continue
					}
					s := spec.Scale * floats.Dot(qi, krow(b, h, j))
					if bd != nil {
						s += bd[base+j]
					}
					row[j] = s
				}
				simd.Softmax(row)
				o := data[(b*Tq+i)*qc+h*hd : (b*Tq+i)*qc+(h+1)*hd]
				for j := 0; j < Tk; j++ {
					floats.AddScaled(o, row[j], vrow(b, h, j))
				}
			}
		}
	}

	out := newResult(mat.NewDense(B*Tq, qc, data), q, k, v, bias)
	if out.requiresGrad {
		out.backward = func() {
			g := raw(out.grad)
			var dq, dk, dv, db []float64
			if q.requiresGrad {
				dq = make([]float64, len(qd))
			}
			if k.requiresGrad {
				dk = make([]float64, len(kd))
			}
			if v.requiresGrad {
				dv = make([]float64, len(vd))
			}
			if bias != nil && bias.requiresGrad {
				db = make([]float64, len(bd))
			}
			dp := make([]float64, Tk)
			for b := 0; b < B; b++ {
				for h := 0; h < H; h++ {
					for i := 0; i < Tq; i++ {
						base := ((b*H+h)*Tq + i) * Tk
						p := probs[base : base+Tk]
						gi := g[(b*Tq+i)*qc+h*hd : (b*Tq+i)*qc+(h+1)*hd]
						var dot float64
						for j := 0; j < Tk; j++ {
							dp[j] = floats.Dot(gi, vrow(b, h, j))
							dot += p[j] * dp[j]
							if dv != nil {
								floats.AddScaled(dv[(b*Tk+j)*qc+h*hd:(b*Tk+j)*qc+(h+1)*hd], p[j], gi)
							}
						}
						for j := 0; j < Tk; j++ {
							if masked(b, i, j) {
								continue
							}
							ds := p[j] * (dp[j] - dot)
							if db != nil {
								db[base+j] += ds
							}
							if dq != nil {
								floats.AddScaled(dq[(b*Tq+i)*qc+h*hd:(b*Tq+i)*qc+(h+1)*hd], spec.Scale*ds, krow(b, h, j))
							}
							if dk != nil {
								floats.AddScaled(dk[(b*Tk+j)*qc+h*hd:(b*Tk+j)*qc+(h+1)*hd], spec.Scale*ds, qrow(b, h, i))
							}
						}
					}
				}
			}
			if dq != nil {
				q.accumulateData(dq)
			}
			if dk != nil {
				k.accumulateData(dk)
			}
			if dv != nil {
				v.accumulateData(dv)
			}
			if db != nil {
				bias.accumulateData(db)
			}
		}
	}
	return out
}

// RelativeBias expands a (NumHeads, NumBuckets) table into a per-head
// attention bias using bucket ids laid out as (batch, query, key).
// The result has the (Batch*NumHeads*QueryLen, KeyLen) shape Attention expects.
func RelativeBias(table *Tensor, buckets []int, batch, queryLen, keyLen int) *Tensor {
	heads, nb := table.Dims()
	if len(buckets) != batch*queryLen*keyLen {
		panic(fmt.Sprintf("tensor: RelativeBias has %d buckets, want %d", len(buckets), batch*queryLen*keyLen))
	}
	td := raw(table.value)
	data := make([]float64, batch*heads*queryLen*keyLen)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < queryLen; i++ {
				for j := 0; j < keyLen; j++ {
					bucket := buckets[(b*queryLen+i)*keyLen+j]
					if bucket < 0 || bucket >= nb {
						panic(fmt.Sprintf("tensor: RelativeBias bucket %d out of range [0,%d)", bucket, nb))
					}
					data[((b*heads+h)*queryLen+i)*keyLen+j] = td[h*nb+bucket]
				}
			}
		}
	}

	out := newResult(mat.NewDense(batch*heads*queryLen, keyLen, data), table)
	if out.requiresGrad {
		out.backward = func() {
			g := raw(out.grad)
			d := make([]float64, heads*nb)
			for b := 0; b < batch; b++ {
				for h := 0; h < heads; h++ {
					for i := 0; i < queryLen; i++ {
						for j := 0; j < keyLen; j++ {
							d[h*nb+buckets[(b*queryLen+i)*keyLen+j]] += g[((b*heads+h)*queryLen+i)*keyLen+j]
						}
					}
				}
			}
			table.accumulateData(d)
		}
	}
	return out
}
