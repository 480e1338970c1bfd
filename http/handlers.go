package http

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"math"
	"net/http"
	"strconv"
	"time"

	"cancerdetect/auth"
	"cancerdetect/db"
	"cancerdetect/ml"
	"cancerdetect/monitoring"

	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// maxTrainingLogRows caps /api/training/log.
const maxTrainingLogRows = 200

var errBadRequest = errors.New("invalid request body")

// Dependencies 处理器依赖
type Dependencies struct {
	Logger    *zap.Logger
	Predictor *ml.CachedPredictor
	// Ranges are recomputed from the dataset at startup, in model schema order.
	Ranges   ml.FeatureRanges
	Verifier auth.Verifier
	// Store is optional; nil disables the training log endpoint and prediction audit.
	Store             *db.Store
	RecordPredictions bool
	Metrics           *monitoring.Metrics
	// LabelNames maps raw class labels to display names.
	LabelNames map[string]string
	ModelPath  string
}

type handlers struct {
	deps   Dependencies
	labels []string
	hub    *Hub
}

func newHandlers(deps Dependencies, hub *Hub) *handlers {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	labels := make([]string, len(deps.Ranges.Ranges))
	for i, r := range deps.Ranges.Ranges {
		labels[i] = featureLabel(r.Name)
	}
	return &handlers{deps: deps, labels: labels, hub: hub}
}

func (h *handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("POST /login", h.handleLogin)

	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/features", h.handleFeatures)
	mux.HandleFunc("POST /api/predict", h.handlePredict)
	mux.HandleFunc("GET /api/model", h.handleModel)
	mux.HandleFunc("GET /api/training/log", h.handleTrainingLog)

	mux.HandleFunc("GET /ws/predict", h.handleWebSocket)
	if h.deps.Metrics != nil {
		mux.Handle("GET /metrics", h.deps.Metrics.Handler())
	}
}

// ============ 预测 ============

type predictRequest struct {
	ID       string             `json:"id,omitempty"`
	Features map[string]float64 `json:"features"`
}

type predictResponse struct {
	Type          string             `json:"type,omitempty"`
	ID            string             `json:"id,omitempty"`
	RequestID     string             `json:"request_id,omitempty"`
	Label         string             `json:"label"`
	DisplayLabel  string             `json:"display_label"`
	Classes       []string           `json:"classes"`
	Probabilities map[string]float64 `json:"probabilities"`
	Percentages   map[string]string  `json:"percentages"`
	Fingerprint   string             `json:"fingerprint"`
}

type scored struct {
	prediction  ml.Prediction
	fingerprint string
}

// vectorFromNames orders named values by the feature schema and rejects values outside
// the observed range.
func (h *handlers) vectorFromNames(values map[string]float64) ([]float64, error) {
	vector, err := h.deps.Ranges.Schema.Vector(values)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Ranges.Validate(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

func (h *handlers) predict(ctx context.Context, source string, vector []float64) (scored, error) {
	model := h.deps.Predictor.Model()
	if model == nil {
		return scored{}, ml.ErrNotTrained
	}
	if err := model.Schema().Check(h.deps.Ranges.Schema); err != nil {
		return scored{}, err
	}

	start := time.Now()
	p, err := h.deps.Predictor.PredictWith(model, vector)
	if err != nil {
		return scored{}, err
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.ObservePrediction(source, p.Label, time.Since(start))
	}
	h.record(ctx, source, model.Fingerprint(), p, vector)
	return scored{prediction: p, fingerprint: model.Fingerprint()}, nil
}

func (h *handlers) record(ctx context.Context, source, fingerprint string, p ml.Prediction, vector []float64) {
	if h.deps.Store == nil || !h.deps.RecordPredictions {
		return
	}
	err := h.deps.Store.SavePrediction(ctx, db.PredictionRecord{
		RequestID:   GetRequestID(ctx),
		Source:      source,
		Fingerprint: fingerprint,
		Label:       p.Label,
		Confidence:  p.Probability(p.Label),
		Features:    vector,
	})
	if err != nil {
		h.deps.Logger.Warn("record prediction failed", zap.Error(err))
	}
}

func (h *handlers) rejected(source string, err error) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.PredictionFailed(source, errorReason(err))
	}
}

func (h *handlers) displayLabel(label string) string {
	if name, ok := h.deps.LabelNames[label]; ok && name != "" {
		return name
	}
	return label
}

func (h *handlers) newPredictResponse(s scored) predictResponse {
	printer := newPrinter()
	p := s.prediction
	resp := predictResponse{
		Label:         p.Label,
		DisplayLabel:  h.displayLabel(p.Label),
		Classes:       []string{p.Classes[0], p.Classes[1]},
		Probabilities: make(map[string]float64, 2),
		Percentages:   make(map[string]string, 2),
		Fingerprint:   s.fingerprint,
	}
	for i, class := range p.Classes {
		resp.Probabilities[class] = p.Probabilities[i]
		resp.Percentages[class] = formatPercent(printer, p.Probabilities[i])
	}
	return resp
}

func (h *handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rejected(monitoring.SourceAPI, errBadRequest)
		respondError(w, http.StatusBadRequest, errBadRequest)
		return
	}
	vector, err := h.vectorFromNames(req.Features)
	if err != nil {
		h.rejected(monitoring.SourceAPI, err)
		respondError(w, statusFor(err), err)
		return
	}
	s, err := h.predict(r.Context(), monitoring.SourceAPI, vector)
	if err != nil {
		h.rejected(monitoring.SourceAPI, err)
		respondError(w, statusFor(err), err)
		return
	}
	resp := h.newPredictResponse(s)
	resp.ID = req.ID
	resp.RequestID = GetRequestID(r.Context())
	respondJSON(w, http.StatusOK, resp)
}

// ============ 模型与数据 ============

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	model := h.deps.Predictor.Model()
	if model == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no_model"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"fingerprint": model.Fingerprint(),
	})
}

type featureView struct {
	Name  string  `json:"name"`
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

func (h *handlers) handleFeatures(w http.ResponseWriter, r *http.Request) {
	features := make([]featureView, len(h.deps.Ranges.Ranges))
	for i, rng := range h.deps.Ranges.Ranges {
		features[i] = featureView{Name: rng.Name, Label: h.labels[i], Min: rng.Min, Max: rng.Max, Mean: rng.Mean}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"features": features,
		"count":    len(features),
	})
}

type modelView struct {
	Path        string          `json:"path,omitempty"`
	ModelType   string          `json:"model_type"`
	Fingerprint string          `json:"fingerprint"`
	Features    []string        `json:"features"`
	Classes     []string        `json:"classes"`
	TrainedAt   time.Time       `json:"trained_at"`
	Seed        int64           `json:"seed"`
	TrainRatio  float64         `json:"train_ratio"`
	Iterations  int             `json:"iterations"`
	Converged   bool            `json:"converged"`
	Evaluation  *ml.Evaluation  `json:"evaluation,omitempty"`
	Cache       *cacheStatsView `json:"cache,omitempty"`
}

type cacheStatsView struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

func (h *handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	model := h.deps.Predictor.Model()
	if model == nil {
		respondError(w, http.StatusServiceUnavailable, ml.ErrNotTrained)
		return
	}
	classes := model.Classes()
	hits, misses := h.deps.Predictor.Stats()
	respondJSON(w, http.StatusOK, modelView{
		Path:        h.deps.ModelPath,
		ModelType:   ml.ModelTypeLogistic,
		Fingerprint: model.Fingerprint(),
		Features:    model.Schema().Names(),
		Classes:     []string{classes[0], classes[1]},
		TrainedAt:   model.TrainedAt(),
		Seed:        model.Seed(),
		TrainRatio:  model.TrainRatio(),
		Iterations:  model.Iterations(),
		Converged:   model.Converged(),
		Evaluation:  model.Evaluation(),
		Cache:       &cacheStatsView{Entries: h.deps.Predictor.Len(), Hits: hits, Misses: misses},
	})
}

func (h *handlers) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		respondError(w, http.StatusNotFound, errors.New("training log is not enabled"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > maxTrainingLogRows {
		limit = maxTrainingLogRows
	}
	logs, err := h.deps.Store.LoadTrainingLog(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error("load training log failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, errors.New("failed to load training log"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"runs":  logs,
		"count": len(logs),
	})
}

// ============ 页面 ============

type navItem struct {
	Label  string
	URL    string
	Active bool
}

type pageView struct {
	Page  Page
	Title string
	Nav   []navItem
	Home  *homeView
	Login *loginView
	About *aboutView
}

type sliderView struct {
	Index   int
	Name    string
	Label   string
	Min     string
	Max     string
	Value   string
	Display string
}

type probabilityView struct {
	Index   int
	Class   string
	Name    string
	Percent string
}

type resultView struct {
	Index         int
	Label         string
	DisplayLabel  string
	Probabilities []probabilityView
}

type inputView struct {
	Label string
	Value string
}

type homeView struct {
	Sliders     []sliderView
	Result      *resultView
	ShowInputs  bool
	Inputs      []inputView
	Fingerprint string
	Error       string
}

type loginView struct {
	Username  string
	Submitted bool
	Success   bool
	Message   string
}

type aboutView struct {
	Features int
}

func newPageView(page Page) pageView {
	nav := make([]navItem, len(pages))
	for i, p := range pages {
		nav[i] = navItem{Label: p.Title(), URL: p.URL(), Active: p == page}
	}
	return pageView{Page: page, Title: page.Title(), Nav: nav}
}

func (h *handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := ParsePage(r.URL.Query().Get("page"))
	view := newPageView(page)
	switch page {
	case PageLogin:
		view.Login = &loginView{}
		h.render(w, http.StatusOK, view)
	case PageAbout:
		view.About = &aboutView{Features: len(h.deps.Ranges.Ranges)}
		h.render(w, http.StatusOK, view)
	default:
		home, status := h.homeView(r)
		view.Home = home
		h.render(w, status, view)
	}
}

// homeView scores the slider values from the query string. Values outside the observed
// range are clamped rather than rejected, matching what the sliders can express.
func (h *handlers) homeView(r *http.Request) (*homeView, int) {
	q := r.URL.Query()
	ranges := h.deps.Ranges
	vector := ranges.Defaults()
	for i, rng := range ranges.Ranges {
		raw := q.Get(rng.Name)
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			vector[i] = rng.Clamp(v)
		}
	}

	printer := newPrinter()
	view := &homeView{ShowInputs: q.Get("inputs") == "1"}
	view.Sliders = make([]sliderView, len(ranges.Ranges))
	for i, rng := range ranges.Ranges {
		view.Sliders[i] = sliderView{
			Index:   i,
			Name:    rng.Name,
			Label:   h.labels[i],
			Min:     strconv.FormatFloat(rng.Min, 'g', -1, 64),
			Max:     strconv.FormatFloat(rng.Max, 'g', -1, 64),
			Value:   strconv.FormatFloat(vector[i], 'g', -1, 64),
			Display: strconv.FormatFloat(vector[i], 'f', 4, 64),
		}
	}
	if view.ShowInputs {
		view.Inputs = make([]inputView, len(vector))
		for i, v := range vector {
			view.Inputs[i] = inputView{Label: h.labels[i], Value: formatValue(printer, v)}
		}
	}

	s, err := h.predict(r.Context(), monitoring.SourceForm, vector)
	if err != nil {
		h.rejected(monitoring.SourceForm, err)
		if errors.Is(err, ml.ErrNotTrained) {
			view.Error = "No model is loaded. Train one with cmd/train_model and reload."
		} else {
			view.Error = err.Error()
		}
		return view, statusFor(err)
	}

	p := s.prediction
	result := &resultView{Label: p.Label, DisplayLabel: h.displayLabel(p.Label)}
	for i, class := range p.Classes {
		if class == p.Label {
			result.Index = i
		}
		result.Probabilities = append(result.Probabilities, probabilityView{
			Index:   i,
			Class:   class,
			Name:    h.displayLabel(class),
			Percent: formatPercent(printer, p.Probabilities[i]),
		})
	}
	view.Result = result
	view.Fingerprint = s.fingerprint
	return view, http.StatusOK
}

// handleLogin checks the submitted credentials and reports the outcome. No session is
// created.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid form"))
		return
	}
	username := r.PostForm.Get("username")
	view := newPageView(PageLogin)
	view.Login = &loginView{Username: username, Submitted: true}

	err := auth.ErrInvalidCredentials
	if h.deps.Verifier != nil {
		err = h.deps.Verifier.Verify(r.Context(), username, r.PostForm.Get("password"))
	}
	if err != nil {
		view.Login.Message = "Invalid username or password."
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.deps.Logger.Error("verify credentials failed", zap.Error(err))
			view.Login.Message = "Login is unavailable."
		}
		h.deps.Logger.Info("login rejected", zap.String("username", username))
		h.render(w, http.StatusUnauthorized, view)
		return
	}
	view.Login.Success = true
	h.deps.Logger.Info("login accepted", zap.String("username", username))
	h.render(w, http.StatusOK, view)
}

func (h *handlers) render(w http.ResponseWriter, status int, view pageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, "layout", view); err != nil {
		h.deps.Logger.Error("render page failed", zap.String("page", string(view.Page)), zap.Error(err))
	}
}

// ============ 辅助函数 ============

func statusFor(err error) int {
	switch {
	case errors.Is(err, ml.ErrSchemaMismatch), errors.Is(err, ml.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ml.ErrNotTrained):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ml.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ml.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ml.ErrNotTrained):
		return "no_model"
	case errors.Is(err, errBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
