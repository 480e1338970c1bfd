package http

import (
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cancerdetect/auth"
	"cancerdetect/ml"
	"cancerdetect/monitoring"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var measurements = []struct {
	name string
	base float64
}{
	{"radius", 14.1},
	{"texture", 19.3},
	{"perimeter", 92.0},
	{"area", 655.0},
	{"smoothness", 0.096},
	{"compactness", 0.104},
	{"concavity", 0.089},
	{"concave points", 0.049},
	{"symmetry", 0.181},
	{"fractal_dimension", 0.063},
}

var aggregates = []struct {
	name  string
	scale float64
}{
	{"mean", 1},
	{"se", 0.03},
	{"worst", 1.25},
}

func testFeatureNames() []string {
	var names []string
	for _, a := range aggregates {
		for _, m := range measurements {
			names = append(names, m.name+"_"+a.name)
		}
	}
	return names
}

func testCSV(n int) string {
	rnd := rand.New(rand.NewSource(11))
	var b strings.Builder
	b.WriteString("id,diagnosis," + strings.Join(testFeatureNames(), ",") + ",\n")
	for i := 0; i < n; i++ {
		label, factor := "B", 1.0
		if i%3 == 0 {
			label, factor = "M", 1.3
		}
		b.WriteString(strconv.Itoa(9000 + i))
		b.WriteString("," + label)
		for _, a := range aggregates {
			for _, m := range measurements {
				v := math.Abs(m.base * a.scale * factor * (1 + 0.1*rnd.NormFloat64()))
				b.WriteString("," + strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		b.WriteString(",\n")
	}
	return b.String()
}

var (
	fixtureOnce   sync.Once
	fixtureModel  *ml.Model
	fixtureRanges ml.FeatureRanges
	fixtureErr    error
)

func trainedModel(t *testing.T) (*ml.Model, ml.FeatureRanges) {
	t.Helper()
	fixtureOnce.Do(func() {
		var ds *ml.Dataset
		ds, fixtureErr = ml.ReadDataset(strings.NewReader(testCSV(150)), ml.DefaultDatasetOptions())
		if fixtureErr != nil {
			return
		}
		fixtureRanges, fixtureErr = ml.ComputeFeatureRanges(ds)
		if fixtureErr != nil {
			return
		}
		var train *ml.Dataset
		train, _, fixtureErr = ml.TrainTestSplit(ds, ml.DefaultTrainRatio, ml.DefaultSeed)
		if fixtureErr != nil {
			return
		}
		fixtureModel, fixtureErr = ml.Train(train, ml.DefaultTrainOptions())
	})
	require.NoError(t, fixtureErr)
	return fixtureModel, fixtureRanges
}

type testEnv struct {
	server  *Server
	store   *ml.ModelStore
	metrics *monitoring.Metrics
	model   *ml.Model
	ranges  ml.FeatureRanges
}

type envOption func(*ServerConfig, *Dependencies)

func withoutModel() envOption {
	return func(_ *ServerConfig, d *Dependencies) { d.Predictor = nil }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	model, ranges := trainedModel(t)

	store := ml.NewModelStore("unused.json")
	store.Swap(model)
	predictor, err := ml.NewCachedPredictor(store, 64)
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	cfg := DefaultServerConfig()
	deps := Dependencies{
		Logger:     zap.NewNop(),
		Predictor:  predictor,
		Ranges:     ranges,
		Verifier:   auth.NewStaticVerifier([]auth.Credential{{Username: "clinician", Password: "s3cret"}}),
		Metrics:    metrics,
		LabelNames: map[string]string{"B": "Benign", "M": "Malignant"},
		ModelPath:  "models/model.json",
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	if deps.Predictor == nil {
		empty, err := ml.NewCachedPredictor(ml.NewModelStore("missing.json"), 8)
		require.NoError(t, err)
		deps.Predictor = empty
	}

	return &testEnv{
		server:  NewServer(cfg, deps),
		store:   store,
		metrics: metrics,
		model:   model,
		ranges:  ranges,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) meanFeatures() map[string]float64 {
	values := make(map[string]float64, len(e.ranges.Ranges))
	for _, r := range e.ranges.Ranges {
		values[r.Name] = r.Mean
	}
	return values
}

func formatG(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
