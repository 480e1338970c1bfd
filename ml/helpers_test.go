package ml

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var featureBases = []struct {
	name string
	base float64
	size bool
}{
	{"radius", 14.1, true},
	{"texture", 19.3, false},
	{"perimeter", 92.0, true},
	{"area", 655.0, true},
	{"smoothness", 0.096, false},
	{"compactness", 0.104, true},
	{"concavity", 0.089, true},
	{"concave points", 0.049, true},
	{"symmetry", 0.181, false},
	{"fractal_dimension", 0.063, false},
}

var suffixes = []struct {
	name  string
	scale float64
}{
	{"mean", 1},
	{"se", 0.03},
	{"worst", 1.25},
}

func syntheticFeatureNames() []string {
	names := make([]string, 0, len(featureBases)*len(suffixes))
	for _, s := range suffixes {
		for _, f := range featureBases {
			names = append(names, f.name+"_"+s.name)
		}
	}
	return names
}

// syntheticCSV renders n rows in the layout of the public dataset, including the
// trailing empty column left by a dangling comma.
func syntheticCSV(n int, seed int64) string {
	rnd := rand.New(rand.NewSource(seed))
	var b strings.Builder
	b.WriteString("id,diagnosis,")
	b.WriteString(strings.Join(quoteAll(syntheticFeatureNames()), ","))
	b.WriteString(",\n")
	for i := 0; i < n; i++ {
		label := "B"
		malignant := rnd.Float64() < 0.37
		if malignant {
			label = "M"
		}
		b.WriteString(strconv.Itoa(842300 + i))
		b.WriteString(",")
		b.WriteString(label)
		for _, s := range suffixes {
			for _, f := range featureBases {
				v := f.base * s.scale * (1 + 0.12*rnd.NormFloat64())
				if malignant && f.size {
					v *= 1.35
				} else if malignant {
					v *= 1.05
				}
				b.WriteString(",")
				b.WriteString(strconv.FormatFloat(math.Abs(v), 'g', -1, 64))
			}
		}
		b.WriteString(",\n")
	}
	return b.String()
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		if strings.Contains(n, " ") {
			out[i] = `"` + n + `"`
		} else {
			out[i] = n
		}
	}
	return out
}

func writeSyntheticCSV(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cancer.csv")
	require.NoError(t, os.WriteFile(path, []byte(syntheticCSV(n, 7)), 0o644))
	return path
}

func syntheticDataset(t *testing.T, n int) *Dataset {
	t.Helper()
	ds, err := ReadDataset(strings.NewReader(syntheticCSV(n, 7)), DefaultDatasetOptions())
	require.NoError(t, err)
	return ds
}

var (
	fixtureOnce  sync.Once
	fixtureData  *Dataset
	fixtureModel *Model
	fixtureTest  *Dataset
	fixtureErr   error
)

// trainedFixture trains once on the 569-row synthetic set with the default split.
func trainedFixture(t *testing.T) (*Dataset, *Model, *Dataset) {
	t.Helper()
	fixtureOnce.Do(func() {
		fixtureData, fixtureErr = ReadDataset(strings.NewReader(syntheticCSV(569, 7)), DefaultDatasetOptions())
		if fixtureErr != nil {
			return
		}
		var train *Dataset
		train, fixtureTest, fixtureErr = TrainTestSplit(fixtureData, DefaultTrainRatio, DefaultSeed)
		if fixtureErr != nil {
			return
		}
		fixtureModel, fixtureErr = Train(train, DefaultTrainOptions())
	})
	require.NoError(t, fixtureErr)
	return fixtureData, fixtureModel, fixtureTest
}
