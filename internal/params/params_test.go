package params

import (
	"bytes"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func testSpecs() []Spec {
	emb := Normal("enc/emb/weight", 50, 8, 0.02)
	emb.ZeroRows = []int{1}
	return []Spec{
		emb,
		Zeros("enc/norm/bias", 1, 8),
		Ones("enc/norm/scale", 1, 8),
		Normal("dec/proj/weight", 8, 8, 1),
	}
}

func TestInitialize(t *testing.T) {
	s := Initialize(testSpecs(), 7)
	require.NoError(t, s.Validate(testSpecs()))

	emb := s["enc/emb/weight"]
	for j := 0; j < 8; j++ {
		assert.Equal(t, 0.0, emb.At(1, j))
	}
	assert.Equal(t, 0.0, mat.Sum(s["enc/norm/bias"]))
	assert.Equal(t, 8.0, mat.Sum(s["enc/norm/scale"]))

	data := emb.RawMatrix().Data
	assert.InDelta(t, 0.02, stat.StdDev(data, nil), 0.003)

	again := Initialize(testSpecs(), 7)
	assert.True(t, mat.Equal(emb, again["enc/emb/weight"]))

	other := Initialize(testSpecs(), 8)
	assert.False(t, mat.Equal(emb, other["enc/emb/weight"]))
}

func TestInitializeZeroRowsOptIn(t *testing.T) {
	// A literal spec without ZeroRows keeps every row.
	s := Initialize([]Spec{{Path: "emb/weight", Rows: 3, Cols: 4, Init: InitNormal, Std: 1}}, 1)
	for i := 0; i < 3; i++ {
		assert.NotZero(t, mat.Norm(s["emb/weight"].RowView(i), 2), "row %d", i)
	}

	s = Initialize([]Spec{{Path: "emb/weight", Rows: 3, Cols: 4, Init: InitNormal, Std: 1, ZeroRows: []int{0, 2, 7}}}, 1)
	assert.Zero(t, mat.Norm(s["emb/weight"].RowView(0), 2))
	assert.NotZero(t, mat.Norm(s["emb/weight"].RowView(1), 2))
	assert.Zero(t, mat.Norm(s["emb/weight"].RowView(2), 2))

	ones := Ones("norm/scale", 2, 2)
	ones.ZeroRows = []int{1}
	s = Initialize([]Spec{ones}, 1)
	assert.Equal(t, []float64{1, 1, 0, 0}, s["norm/scale"].RawMatrix().Data)
}

func TestInitializeMatchesNormalDraws(t *testing.T) {
	s := Initialize([]Spec{Normal("w", 2, 3, 0.5)}, 11)
	rng := rand.New(rand.NewPCG(11, xxhash.Sum64String("w")))
	for i, got := range s["w"].RawMatrix().Data {
		assert.InDelta(t, 0.5*rng.NormFloat64(), got, 1e-15, "entry %d", i)
	}
}

func TestInitializeStreamsArePerPath(t *testing.T) {
	full := Initialize(testSpecs(), 3)
	partial := Initialize(testSpecs()[3:], 3)
	assert.True(t, mat.Equal(full["dec/proj/weight"], partial["dec/proj/weight"]))
}

func TestValidate(t *testing.T) {
	s := Initialize(testSpecs(), 1)
	delete(s, "enc/norm/bias")
	s["extra"] = mat.NewDense(1, 1, nil)
	s["enc/norm/scale"] = mat.NewDense(1, 4, nil)

	err := s.Validate(testSpecs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing parameter "enc/norm/bias"`)
	assert.Contains(t, err.Error(), `unexpected parameter "extra"`)
	assert.Contains(t, err.Error(), "shape 1x4, want 1x8")
}

func TestSubAndClone(t *testing.T) {
	s := Initialize(testSpecs(), 1)
	enc := s.Sub("enc")
	assert.ElementsMatch(t, []string{"emb/weight", "norm/bias", "norm/scale"}, enc.Paths())

	c := s.Clone()
	c["enc/norm/scale"].Set(0, 0, 5)
	assert.Equal(t, 1.0, s["enc/norm/scale"].At(0, 0))
	assert.Equal(t, s.NumParams(), c.NumParams())
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := Initialize(testSpecs(), 11)
	path := filepath.Join(t.TempDir(), "params.cbor")
	require.NoError(t, SaveFile(path, s))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, s.Paths(), loaded.Paths())
	for _, p := range s.Paths() {
		assert.True(t, mat.Equal(s[p], loaded[p]), p)
	}
}

func TestCheckpointCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, Initialize(testSpecs(), 2)))

	var ck checkpoint
	require.NoError(t, cbor.Unmarshal(buf.Bytes(), &ck))
	ck.Params[0].Data[0] += 1
	corrupt, err := cbor.Marshal(ck)
	require.NoError(t, err)

	_, err = Load(bytes.NewReader(corrupt))
	assert.ErrorContains(t, err, "checksum mismatch")

	ck.Format = "other"
	wrong, err := cbor.Marshal(ck)
	require.NoError(t, err)
	_, err = Load(bytes.NewReader(wrong))
	assert.ErrorContains(t, err, "unsupported checkpoint format")
}
