package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cancerdetect/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeJSON(t *testing.T, r io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeJSON(t, rec.Body, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, env.model.Fingerprint(), body["fingerprint"])

	empty := newTestEnv(t, withoutModel())
	rec = empty.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_model")
}

func TestFeatures(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/features", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Features []featureView `json:"features"`
		Count    int           `json:"count"`
	}
	decodeJSON(t, rec.Body, &body)
	require.Equal(t, 30, body.Count)
	require.Len(t, body.Features, 30)
	assert.Equal(t, "radius_mean", body.Features[0].Name)
	assert.Equal(t, "Radius (mean)", body.Features[0].Label)
	assert.Equal(t, "Concave Points (worst)", body.Features[27].Label)
	for _, f := range body.Features {
		assert.LessOrEqual(t, f.Min, f.Mean, f.Name)
		assert.LessOrEqual(t, f.Mean, f.Max, f.Name)
	}
}

func TestPredictAPI(t *testing.T) {
	env := newTestEnv(t)

	req := postJSON(t, "/api/predict", predictRequest{ID: "q1", Features: env.meanFeatures()})
	req.Header.Set(RequestIDHeader, "req-42")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	var resp predictResponse
	decodeJSON(t, rec.Body, &resp)
	assert.Equal(t, "q1", resp.ID)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Equal(t, []string{"B", "M"}, resp.Classes)
	assert.Contains(t, resp.Classes, resp.Label)
	assert.InDelta(t, 1.0, resp.Probabilities["B"]+resp.Probabilities["M"], 1e-9)
	assert.Equal(t, env.model.Fingerprint(), resp.Fingerprint)
	assert.True(t, strings.HasSuffix(resp.Percentages["M"], "%"))

	expected, err := env.model.PredictNamed(env.meanFeatures())
	require.NoError(t, err)
	assert.Equal(t, expected.Label, resp.Label)
	assert.InDelta(t, expected.Probabilities[1], resp.Probabilities["M"], 1e-12)
	if resp.Label == "M" {
		assert.Equal(t, "Malignant", resp.DisplayLabel)
	} else {
		assert.Equal(t, "Benign", resp.DisplayLabel)
	}
}

func TestPredictAPIErrors(t *testing.T) {
	env := newTestEnv(t)

	missing := env.meanFeatures()
	delete(missing, "radius_mean")

	unknown := env.meanFeatures()
	delete(unknown, "radius_mean")
	unknown["radius_median"] = 14

	outOfRange := env.meanFeatures()
	outOfRange["area_worst"] = 1e9

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"malformed json", `{"features":`, http.StatusBadRequest, "invalid request body"},
		{"missing feature", mustJSON(t, predictRequest{Features: missing}), http.StatusBadRequest, `missing feature "radius_mean"`},
		{"unknown feature", mustJSON(t, predictRequest{Features: unknown}), http.StatusBadRequest, "radius_m"},
		{"out of range", mustJSON(t, predictRequest{Features: outOfRange}), http.StatusBadRequest, "area_worst"},
		{"empty", `{}`, http.StatusBadRequest, "schema mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(tt.body))
			rec := env.do(req)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			decodeJSON(t, rec.Body, &body)
			assert.Contains(t, body["error"], tt.message)
		})
	}
}

func TestPredictAPIWithoutModel(t *testing.T) {
	env := newTestEnv(t, withoutModel())
	rec := env.do(postJSON(t, "/api/predict", predictRequest{Features: env.meanFeatures()}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictAPIRejectsWrongMethod(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return string(payload)
}

func TestModelEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(postJSON(t, "/api/predict", predictRequest{Features: env.meanFeatures()}))
	env.do(postJSON(t, "/api/predict", predictRequest{Features: env.meanFeatures()}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/model", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view modelView
	decodeJSON(t, rec.Body, &view)
	assert.Equal(t, "logistic_regression", view.ModelType)
	assert.Equal(t, env.model.Fingerprint(), view.Fingerprint)
	assert.Equal(t, "models/model.json", view.Path)
	assert.Len(t, view.Features, 30)
	assert.Equal(t, []string{"B", "M"}, view.Classes)
	assert.EqualValues(t, 2529, view.Seed)
	require.NotNil(t, view.Cache)
	assert.Equal(t, 1, view.Cache.Entries)
	assert.EqualValues(t, 1, view.Cache.Hits)
	assert.EqualValues(t, 1, view.Cache.Misses)

	empty := newTestEnv(t, withoutModel())
	rec = empty.do(httptest.NewRequest(http.MethodGet, "/api/model", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func openTestDB(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cancerdetect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTrainingLogEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/training/log", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store := openTestDB(t)
	for i := 0; i < 3; i++ {
		_, err := store.SaveTrainingLog(context.Background(), db.TrainingLog{
			ModelName:   "logistic_regression",
			Fingerprint: "run" + string(rune('0'+i)),
			Accuracy:    0.9 + float64(i)/100,
			TrainedAt:   time.Date(2024, 5, 1, i, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}
	env = newTestEnv(t, func(_ *ServerConfig, d *Dependencies) { d.Store = store })

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/training/log?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs  []db.TrainingLog `json:"runs"`
		Count int              `json:"count"`
	}
	decodeJSON(t, rec.Body, &body)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "run2", body.Runs[0].Fingerprint)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/training/log?limit=abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec.Body, &body)
	assert.Equal(t, 3, body.Count)
}

func TestPredictionsAreRecorded(t *testing.T) {
	store := openTestDB(t)
	env := newTestEnv(t, func(_ *ServerConfig, d *Dependencies) {
		d.Store = store
		d.RecordPredictions = true
	})

	req := postJSON(t, "/api/predict", predictRequest{Features: env.meanFeatures()})
	req.Header.Set(RequestIDHeader, "audit-1")
	require.Equal(t, http.StatusOK, env.do(req).Code)

	records, err := store.RecentPredictions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "audit-1", records[0].RequestID)
	assert.Equal(t, "api", records[0].Source)
	assert.Equal(t, env.model.Fingerprint(), records[0].Fingerprint)
	assert.Len(t, records[0].Features, 30)
}

// ============ 页面 ============

func parseHTML(t *testing.T, r io.Reader) *html.Node {
	t.Helper()
	doc, err := html.Parse(r)
	require.NoError(t, err)
	return doc
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func byID(doc *html.Node, id string) *html.Node {
	nodes := findAll(doc, func(n *html.Node) bool { return attr(n, "id") == id })
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func sliders(doc *html.Node) []*html.Node {
	return findAll(doc, func(n *html.Node) bool {
		return n.Data == "input" && attr(n, "type") == "range"
	})
}

func TestHomePage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	doc := parseHTML(t, rec.Body)
	inputs := sliders(doc)
	require.Len(t, inputs, 30)
	for i, in := range inputs {
		rng := env.ranges.Ranges[i]
		assert.Equal(t, rng.Name, attr(in, "name"))
		assert.Equal(t, formatG(rng.Min), attr(in, "min"))
		assert.Equal(t, formatG(rng.Max), attr(in, "max"))
		assert.Equal(t, formatG(rng.Mean), attr(in, "value"))
	}

	expected, err := env.model.Predict(env.ranges.Defaults())
	require.NoError(t, err)
	label := byID(doc, "label")
	require.NotNil(t, label)
	assert.Equal(t, map[string]string{"B": "Benign", "M": "Malignant"}[expected.Label], textOf(label))

	for i, class := range []string{"B", "M"} {
		prob := byID(doc, "prob-"+class)
		require.NotNil(t, prob, class)
		assert.Equal(t, formatPercent(newPrinter(), expected.Probabilities[i]), textOf(prob))
	}
	assert.Nil(t, byID(doc, "inputs"))
	assert.Nil(t, byID(doc, "error"))
}

func TestHomePageClampsQueryValues(t *testing.T) {
	env := newTestEnv(t)
	q := url.Values{}
	q.Set("radius_mean", "1e9")
	q.Set("texture_mean", "-5")
	q.Set("area_mean", "not-a-number")
	q.Set("smoothness_mean", "NaN")
	q.Set("inputs", "1")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	doc := parseHTML(t, rec.Body)
	inputs := sliders(doc)
	require.Len(t, inputs, 30)
	radius, _ := env.ranges.Get("radius_mean")
	texture, _ := env.ranges.Get("texture_mean")
	area, _ := env.ranges.Get("area_mean")
	smoothness, _ := env.ranges.Get("smoothness_mean")
	assert.Equal(t, formatG(radius.Max), attr(inputs[0], "value"))
	assert.Equal(t, formatG(texture.Min), attr(inputs[1], "value"))
	assert.Equal(t, formatG(area.Mean), attr(inputs[3], "value"))
	assert.Equal(t, formatG(smoothness.Mean), attr(inputs[4], "value"))

	table := byID(doc, "inputs")
	require.NotNil(t, table)
	rows := findAll(table, func(n *html.Node) bool { return n.Data == "tr" })
	assert.Len(t, rows, 31)
	assert.Contains(t, textOf(rows[1]), "Radius (mean)")

	checkbox := findAll(doc, func(n *html.Node) bool { return attr(n, "name") == "inputs" })
	require.Len(t, checkbox, 1)
	_, checked := attrPresent(checkbox[0], "checked")
	assert.True(t, checked)
}

func attrPresent(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func TestHomePageWithoutModel(t *testing.T) {
	env := newTestEnv(t, withoutModel())
	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	doc := parseHTML(t, rec.Body)
	require.Len(t, sliders(doc), 30)
	errPanel := byID(doc, "error")
	require.NotNil(t, errPanel)
	assert.Contains(t, textOf(errPanel), "No model is loaded")
	assert.Nil(t, byID(doc, "label"))
}

func TestNavigation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		query  string
		active string
		marker string
	}{
		{"", "Home", "predict-form"},
		{"?page=home", "Home", "predict-form"},
		{"?page=login", "Login", ""},
		{"?page=about", "About", ""},
		{"?page=LOGIN", "Login", ""},
		{"?page=settings", "Home", "predict-form"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			doc := parseHTML(t, rec.Body)

			active := findAll(doc, func(n *html.Node) bool { return n.Data == "a" && attr(n, "class") == "active" })
			require.Len(t, active, 1)
			assert.Equal(t, tt.active, textOf(active[0]))

			links := findAll(doc, func(n *html.Node) bool { return n.Data == "a" })
			var hrefs []string
			for _, l := range links {
				hrefs = append(hrefs, attr(l, "href"))
			}
			assert.Equal(t, []string{"/", "/?page=login", "/?page=about"}, hrefs)

			if tt.marker != "" {
				assert.NotNil(t, byID(doc, tt.marker))
			} else {
				assert.Nil(t, byID(doc, "predict-form"))
			}
		})
	}
}

func TestAboutPage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/?page=about", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "About Page")
	assert.Contains(t, body, "trained on 30 features")
	assert.Contains(t, body, "Important Disclaimer")
}

func TestUnknownPath(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		username string
		password string
		status   int
		message  string
	}{
		{"valid", "clinician", "s3cret", http.StatusOK, "Logged in successfully!"},
		{"wrong password", "clinician", "nope", http.StatusUnauthorized, "Invalid username or password."},
		{"unknown user", "admin", "s3cret", http.StatusUnauthorized, "Invalid username or password."},
		{"empty", "", "", http.StatusUnauthorized, "Invalid username or password."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"username": {tt.username}, "password": {tt.password}}
			req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := env.do(req)
			require.Equal(t, tt.status, rec.Code)

			doc := parseHTML(t, rec.Body)
			result := byID(doc, "login-result")
			require.NotNil(t, result)
			assert.Equal(t, tt.message, textOf(result))

			username := findAll(doc, func(n *html.Node) bool { return attr(n, "name") == "username" })
			require.Len(t, username, 1)
			assert.Equal(t, tt.username, attr(username[0], "value"))
		})
	}
}

func TestLoginWithoutVerifier(t *testing.T) {
	env := newTestEnv(t, func(_ *ServerConfig, d *Dependencies) { d.Verifier = nil })
	form := url.Values{"username": {"clinician"}, "password": {"s3cret"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginPageIsBlankBeforeSubmit(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/?page=login", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	doc := parseHTML(t, rec.Body)
	assert.Nil(t, byID(doc, "login-result"))
	forms := findAll(doc, func(n *html.Node) bool { return n.Data == "form" })
	require.Len(t, forms, 1)
	assert.Equal(t, "/login", attr(forms[0], "action"))
	assert.Equal(t, "post", attr(forms[0], "method"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(postJSON(t, "/api/predict", predictRequest{Features: env.meanFeatures()}))
	env.do(httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("{")))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `cancerdetect_predictions_total{label=`)
	assert.Contains(t, body, `cancerdetect_prediction_errors_total{reason="bad_request",source="api"} 1`)
	assert.Contains(t, body, `cancerdetect_http_requests_total{code="200",method="POST",route="POST /api/predict"}`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{errBadRequest, http.StatusBadRequest, "bad_request"},
		{io.EOF, http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err))
		assert.Equal(t, tt.reason, errorReason(tt.err))
	}
}

func TestDisplayLabel(t *testing.T) {
	h := &handlers{deps: Dependencies{LabelNames: map[string]string{"M": "Malignant", "B": ""}}}
	tests := []struct {
		label string
		want  string
	}{
		{"M", "Malignant"},
		{"B", "B"},
		{"X", "X"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.displayLabel(tt.label), tt.label)
	}
}
