package ml

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// ModelTypeLogistic identifies the only classifier the artifact format carries.
const ModelTypeLogistic = "logistic_regression"

// TrainOptions controls the optimizer.
type TrainOptions struct {
	// MaxIterations caps L-BFGS major iterations.
	MaxIterations int
	// L2 is the penalty on the weights (the inverse of scikit-learn's C). The intercept is not penalized.
	L2 float64
	// GradientTolerance stops the optimizer once the gradient norm drops below it.
	GradientTolerance float64
	// Seed and TrainRatio are recorded in the artifact only.
	Seed       int64
	TrainRatio float64
}

// DefaultTrainOptions mirrors LogisticRegression(max_iter=5000) with C=1.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		MaxIterations:     5000,
		L2:                1.0,
		GradientTolerance: 1e-6,
		Seed:              DefaultSeed,
		TrainRatio:        DefaultTrainRatio,
	}
}

// Model is a fitted binary logistic regression. It is never mutated after Train or
// LoadModel returns, so a *Model may be shared by concurrent readers.
type Model struct {
	schema       Schema
	classes      [2]string
	coefficients []float64
	intercept    float64
	scaler       Scaler

	trainedAt  time.Time
	seed       int64
	trainRatio float64
	iterations int
	converged  bool
	evaluation *Evaluation

	fingerprint string
}

// Prediction is one scored feature vector.
type Prediction struct {
	Label         string     `json:"label"`
	Classes       [2]string  `json:"classes"`
	Probabilities [2]float64 `json:"probabilities"`
}

// Probability returns the probability of class, or 0 for an unknown class.
func (p Prediction) Probability(class string) float64 {
	for i, c := range p.Classes {
		if c == class {
			return p.Probabilities[i]
		}
	}
	return 0
}

// Train fits the classifier on ds. Classes are sorted ascending; the second class is
// the positive outcome of the sigmoid. Training is deterministic: the optimizer starts
// from zero weights and no randomness is involved.
func Train(ds *Dataset, opts TrainOptions) (*Model, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("training set is empty")
	}
	classes := ds.Classes()
	if len(classes) != 2 {
		return nil, fmt.Errorf("training set must contain exactly two classes, found %d", len(classes))
	}
	def := DefaultTrainOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.L2 < 0 {
		opts.L2 = def.L2
	}
	if opts.GradientTolerance <= 0 {
		opts.GradientTolerance = def.GradientTolerance
	}

	scaler := FitScaler(ds)
	x := scaler.Transform(ds.Rows)
	y := make([]float64, ds.Len())
	for i, label := range ds.Labels {
		if label == classes[1] {
			y[i] = 1
		}
	}

	obj := &logLoss{x: x, y: y, l2: opts.L2}
	d := ds.Schema.Len()
	problem := optimize.Problem{
		Func: obj.value,
		Grad: obj.gradient,
	}
	settings := &optimize.Settings{
		GradientThreshold: opts.GradientTolerance,
		MajorIterations:   opts.MaxIterations,
	}
	result, err := optimize.Minimize(problem, make([]float64, d+1), settings, &optimize.LBFGS{})
	if result == nil {
		return nil, fmt.Errorf("optimize: %w", err)
	}
	theta := result.X
	if len(theta) != d+1 || floats.HasNaN(theta) {
		return nil, fmt.Errorf("optimize produced invalid parameters: %v", err)
	}

	// a line search failure near the optimum still leaves a usable model
	converged := err == nil && result.Status != optimize.IterationLimit

	m := &Model{
		schema:       ds.Schema,
		classes:      [2]string{classes[0], classes[1]},
		coefficients: append([]float64(nil), theta[:d]...),
		intercept:    theta[d],
		scaler:       scaler,
		trainedAt:    time.Now().UTC(),
		seed:         opts.Seed,
		trainRatio:   opts.TrainRatio,
		iterations:   result.Stats.MajorIterations,
		converged:    converged,
	}
	m.fingerprint = fingerprintModel(m)
	return m, nil
}

// WithEvaluation returns a copy of m carrying held-out metrics.
func (m *Model) WithEvaluation(ev Evaluation) *Model {
	c := *m
	c.evaluation = &ev
	c.fingerprint = fingerprintModel(&c)
	return &c
}

// Predict scores a vector given in schema order.
func (m *Model) Predict(features []float64) (Prediction, error) {
	if len(features) != m.schema.Len() {
		return Prediction{}, fmt.Errorf("%w: model expects %d features, got %d", ErrSchemaMismatch, m.schema.Len(), len(features))
	}
	z := m.intercept
	for j, v := range features {
		z += m.coefficients[j] * (v - m.scaler.Mean[j]) / m.scaler.Std[j]
	}
	p1 := sigmoid(z)
	p0 := 1 - p1

	label := m.classes[0]
	if p1 > p0 {
		label = m.classes[1]
	}
	return Prediction{
		Label:         label,
		Classes:       m.classes,
		Probabilities: [2]float64{p0, p1},
	}, nil
}

// PredictNamed scores a vector keyed by feature name.
func (m *Model) PredictNamed(values map[string]float64) (Prediction, error) {
	vector, err := m.schema.Vector(values)
	if err != nil {
		return Prediction{}, err
	}
	return m.Predict(vector)
}

func (m *Model) Schema() Schema { return m.schema }
func (m *Model) Classes() [2]string { return m.classes }
func (m *Model) Intercept() float64 { return m.intercept }
func (m *Model) TrainedAt() time.Time { return m.trainedAt }
func (m *Model) Iterations() int { return m.iterations }
func (m *Model) Converged() bool { return m.converged }
func (m *Model) Fingerprint() string { return m.fingerprint }
func (m *Model) Evaluation() *Evaluation { return m.evaluation }
func (m *Model) Seed() int64 { return m.seed }
func (m *Model) TrainRatio() float64 { return m.trainRatio }
func (m *Model) Coefficients() []float64 { return append([]float64(nil), m.coefficients...) }

// sigmoid avoids overflow for large |z|.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// logLoss is the L2-penalized negative log-likelihood over standardized rows.
// theta holds the weights followed by the intercept.
type logLoss struct {
	x  [][]float64
	y  []float64
	l2 float64
}

func (l *logLoss) value(theta []float64) float64 {
	d := len(theta) - 1
	w, b := theta[:d], theta[d]
	loss := 0.0
	for i, row := range l.x {
		z := floats.Dot(w, row) + b
		// log(1+exp(z)) - y*z, stable for both signs of z
		if z > 0 {
			loss += z + math.Log1p(math.Exp(-z)) - l.y[i]*z
		} else {
			loss += math.Log1p(math.Exp(z)) - l.y[i]*z
		}
	}
	return loss + 0.5*l.l2*floats.Dot(w, w)
}

func (l *logLoss) gradient(grad, theta []float64) {
	d := len(theta) - 1
	w, b := theta[:d], theta[d]
	for j := range grad {
		grad[j] = 0
	}
	for i, row := range l.x {
		r := sigmoid(floats.Dot(w, row)+b) - l.y[i]
		floats.AddScaled(grad[:d], r, row)
		grad[d] += r
	}
	floats.AddScaled(grad[:d], l.l2, w)
}
