package ml

// Predictor scores one feature vector given in schema order.
type Predictor interface {
	Predict(features []float64) (Prediction, error)
}

// ModelSource hands out the currently active model.
type ModelSource interface {
	Model() *Model
}

var (
	_ Predictor   = (*Model)(nil)
	_ Predictor   = (*CachedPredictor)(nil)
	_ ModelSource = (*ModelStore)(nil)
	_ ModelSource = (*CachedPredictor)(nil)
)
