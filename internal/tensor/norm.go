package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes each row of x to zero mean and unit variance, then
// applies scale and (optionally) bias. scale and bias are 1xC.
func LayerNorm(x, scale, bias *Tensor, eps float64) *Tensor {
	r, c := x.Dims()
	checkRow("LayerNorm scale", scale, c)
	if bias != nil {
		checkRow("LayerNorm bias", bias, c)
	}
	xs := raw(x.value)
	g := raw(scale.value)
	var b []float64
	if bias != nil {
		b = raw(bias.value)
	}

	xhat := make([]float64, r*c)
	inv := make([]float64, r)
	data := make([]float64, r*c)
	for i := 0; i < r; i++ {
		row := xs[i*c : (i+1)*c]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(c)
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(c)
		inv[i] = 1 / math.Sqrt(variance+eps)
		for j, v := range row {
			h := (v - mean) * inv[i]
			xhat[i*c+j] = h
			y := h * g[j]
			if b != nil {
				y += b[j]
			}
			data[i*c+j] = y
		}
	}

	out := newResult(mat.NewDense(r, c, data), x, scale, bias)
	if out.requiresGrad {
		out.backward = func() {
			gout := raw(out.grad)
			if x.requiresGrad {
				dx := make([]float64, r*c)
				dxh := make([]float64, c)
				for i := 0; i < r; i++ {
					var m1, m2 float64
					for j := 0; j < c; j++ {
						dxh[j] = gout[i*c+j] * g[j]
						m1 += dxh[j]
						m2 += dxh[j] * xhat[i*c+j]
					}
					m1 /= float64(c)
					m2 /= float64(c)
					for j := 0; j < c; j++ {
						dx[i*c+j] = inv[i] * (dxh[j] - m1 - xhat[i*c+j]*m2)
					}
				}
				x.accumulateData(dx)
			}
			if scale.requiresGrad {
				dg := make([]float64, c)
				for i := 0; i < r; i++ {
					for j := 0; j < c; j++ {
						dg[j] += gout[i*c+j] * xhat[i*c+j]
					}
				}
				scale.accumulateData(dg)
			}
			if bias != nil && bias.requiresGrad {
				db := make([]float64, c)
				for i := 0; i < r; i++ {
					for j := 0; j < c; j++ {
						db[j] += gout[i*c+j]
					}
				}
				bias.accumulateData(db)
			}
		}
	}
	return out
}

// RMSNorm scales each row of x by the reciprocal of its root mean square,
// then by scale. There is no centering and no bias.
func RMSNorm(x, scale *Tensor, eps float64) *Tensor {
	r, c := x.Dims()
	checkRow("RMSNorm scale", scale, c)
	xs := raw(x.value)
	g := raw(scale.value)

	inv := make([]float64, r)
	data := make([]float64, r*c)
	for i := 0; i < r; i++ {
		row := xs[i*c : (i+1)*c]
		var ms float64
		for _, v := range row {
			ms += v * v
		}
		ms /= float64(c)
		inv[i] = 1 / math.Sqrt(ms+eps)
		for j, v := range row {
			data[i*c+j] = v * inv[i] * g[j]
		}
	}

	out := newResult(mat.NewDense(r, c, data), x, scale)
	if out.requiresGrad {
		out.backward = func() {
			gout := raw(out.grad)
			if x.requiresGrad {
				dx := make([]float64, r*c)
				for i := 0; i < r; i++ {
					var m float64
					for j := 0; j < c; j++ {
						m += gout[i*c+j] * g[j] * xs[i*c+j]
					}
					m /= float64(c)
					k := inv[i] * inv[i] * m
					for j := 0; j < c; j++ {
						dx[i*c+j] = inv[i] * (gout[i*c+j]*g[j] - xs[i*c+j]*k)
					}
				}
				x.accumulateData(dx)
			}
			if scale.requiresGrad {
				dg := make([]float64, c)
				for i := 0; i < r; i++ {
					for j := 0; j < c; j++ {
						dg[j] += gout[i*c+j] * xs[i*c+j] * inv[i]
					}
				}
				scale.accumulateData(dg)
			}
		}
	}
	return out
}

func checkRow(op string, t *Tensor, cols int) {
	r, c := t.Dims()
	if r != 1 || c != cols {
		panic(fmt.Sprintf("tensor: %s expects 1x%d, got %dx%d", op, cols, r, c))
	}
}
