package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"custcat-prediction-api/classifier"
	"custcat-prediction-api/config"
	"custcat-prediction-api/models"
	"custcat-prediction-api/repository"
	"custcat-prediction-api/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const csvHeader = "region,tenure,age,marital,address,income,ed,employ,retire,gender,reside\n"

type fakeArchiver struct {
	mu    sync.Mutex
	names []string
	sizes []int
}

func (a *fakeArchiver) Archive(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, name)
	a.sizes = append(a.sizes, len(data))
	return "uploads/test/" + name, nil
}

type testEnv struct {
	router   *gin.Engine
	repo     *repository.PredictionRepository
	root     string
	archiver *fakeArchiver
	auth     *services.AuthService
}

// constantModel always predicts label.
func constantModel(label int) *classifier.Artifact {
	classes := []int{1, 2, 3, 4}
	coef := make([][]float64, len(classes))
	intercepts := make([]float64, len(classes))
	for i, c := range classes {
		coef[i] = make([]float64, models.FeatureCount)
		if c == label {
			intercepts[i] = 5
		}
	}
	return &classifier.Artifact{
		Kind:         classifier.KindLogisticRegression,
		Version:      "test",
		FeatureNames: models.FeatureNames(),
		Classes:      classes,
		Coefficients: coef,
		Intercepts:   intercepts,
	}
}

func newTestEnv(t *testing.T, withModel bool) *testEnv {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		Server:   config.ServerConfig{MaxUploadBytes: 1 << 20},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(root, "test.db")},
		CORS:     config.CORSConfig{AllowedOrigins: "*"},
		Model:    config.ModelConfig{Root: root},
		Events:   config.EventsConfig{Channel: "custcat:predictions"},
	}
	if withModel {
		require.NoError(t, classifier.SaveArtifact(cfg.Model.ArtifactPath(), constantModel(3)))
	}

	db, err := repository.Open(cfg.Database, nil)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	repo := repository.NewPredictionRepository(db)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := services.NewAuthService(config.JWTConfig{
		Secret: "test", ExpiryHours: 1, AdminUser: "admin", AdminPasswordHash: string(hash),
	})

	reg := prometheus.NewRegistry()
	metrics := services.NewMetrics(reg)
	store := classifier.NewStore(cfg.Model.ArtifactPath(), models.FeatureNames(), nil, metrics.ObserveModelLoad)
	cache := &services.CacheService{}
	svc := services.NewPredictionService(repo, store, nil, metrics, nil)
	archiver := &fakeArchiver{}

	router := NewRouter(Deps{
		Config:   cfg,
		Repo:     repo,
		Store:    store,
		Service:  svc,
		Auth:     auth,
		Cache:    cache,
		Archiver: archiver,
		Metrics:  metrics,
		Gatherer: reg,
	})
	return &testEnv{router: router, repo: repo, root: root, archiver: archiver, auth: auth}
}

func (e *testEnv) count(t *testing.T) int64 {
	t.Helper()
	n, err := e.repo.Count(context.Background())
	require.NoError(t, err)
	return n
}

func validValues() url.Values {
	return url.Values{
		"region": {"2"}, "tenure": {"13"}, "age": {"44"}, "marital": {"1"},
		"address": {"9"}, "income": {"64.0"}, "ed": {"4"}, "employ": {"5"},
		"retire": {"0.0"}, "gender": {"0"}, "reside": {"2"},
	}
}

func (e *testEnv) postForm(values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postFile(t *testing.T, name, body string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/predict/file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestFieldsListsFeaturesInOrder(t *testing.T) {
	env := newTestEnv(t, true)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/predict/fields", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Fields []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Fields, models.FeatureCount)
	assert.Equal(t, "region", body.Fields[0].Name)
	assert.Equal(t, "income", body.Fields[5].Name)
	assert.Equal(t, "float", body.Fields[5].Kind)
}

func TestPredictSinglePersistsExactlyOneRecord(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.postForm(validValues())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Prediction successful", body["message"])
	assert.Equal(t, 3.0, body["prediction"])

	rows, err := env.repo.List(context.Background(), repository.ListParams{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.Features{
		Region: 2, Tenure: 13, Age: 44, Marital: 1, Address: 9, Income: 64,
		Ed: 4, Employ: 5, Retire: 0, Gender: 0, Reside: 2,
	}, rows[0].Features)
	assert.Equal(t, 3, rows[0].Prediction)
}

func TestPredictSingleTwiceCreatesTwoRecords(t *testing.T) {
	env := newTestEnv(t, true)

	require.Equal(t, http.StatusCreated, env.postForm(validValues()).Code)
	require.Equal(t, http.StatusCreated, env.postForm(validValues()).Code)
	assert.Equal(t, int64(2), env.count(t))
}

func TestPredictSingleRejectsNonNumeric(t *testing.T) {
	for _, field := range models.FeatureNames() {
		t.Run(field, func(t *testing.T) {
			env := newTestEnv(t, true)
			values := validValues()
			values.Set(field, "abc")

			w := env.postForm(values)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decode(t, w)
			assert.Equal(t, "Invalid input", body["error"])
			fields, ok := body["fields"].(map[string]interface{})
			require.True(t, ok)
			assert.Contains(t, fields, field)
			assert.Equal(t, int64(0), env.count(t))
		})
	}
}

func TestPredictSingleReportsMissingFields(t *testing.T) {
	env := newTestEnv(t, true)
	values := validValues()
	values.Del("age")
	values.Set("income", "lots")

	w := env.postForm(values)
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields := decode(t, w)["fields"].(map[string]interface{})
	assert.Equal(t, "This field is required.", fields["age"])
	assert.Equal(t, "Enter a number.", fields["income"])
}

func TestPredictSingleIntegerBounds(t *testing.T) {
	env := newTestEnv(t, true)

	values := validValues()
	values.Set("tenure", "9007199254740993")
	w := env.postForm(values)
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields := decode(t, w)["fields"].(map[string]interface{})
	assert.Equal(t, "Enter a whole number.", fields["tenure"])
	assert.Equal(t, int64(0), env.count(t))

	values.Set("tenure", "2147483647")
	w = env.postForm(values)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rows, err := env.repo.List(context.Background(), repository.ListParams{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2147483647, rows[0].Tenure)
}

func TestPredictSingleRejectsJSONBody(t *testing.T) {
	env := newTestEnv(t, true)
	body := `{"region":2,"tenure":13,"age":44,"marital":1,"address":9,"income":64.0,` +
		`"ed":4,"employ":5,"retire":0.0,"gender":0,"reside":2}`

	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, "Unsupported content type", decode(t, w)["error"])
	assert.Equal(t, int64(0), env.count(t))
}

func TestPredictSingleTooLarge(t *testing.T) {
	env := newTestEnv(t, true)
	values := validValues()
	values.Set("padding", strings.Repeat("x", 2<<20))

	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// Unknown length, so the limit is enforced while reading.
	req.ContentLength = -1
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	assert.Equal(t, int64(0), env.count(t))
}

func TestPredictSingleWithoutArtifact(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.postForm(validValues())
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Could not load model", decode(t, w)["error"])
	assert.Equal(t, int64(0), env.count(t))
}

func TestPredictSingleRecoversOnceArtifactAppears(t *testing.T) {
	env := newTestEnv(t, false)
	require.Equal(t, http.StatusServiceUnavailable, env.postForm(validValues()).Code)

	path := filepath.Join(env.root, filepath.FromSlash(config.ArtifactRelPath))
	require.NoError(t, classifier.SaveArtifact(path, constantModel(2)))

	w := env.postForm(validValues())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 2.0, decode(t, w)["prediction"])
}

func TestPredictFilePersistsEveryRow(t *testing.T) {
	env := newTestEnv(t, true)
	body := csvHeader +
		"2,13,44,1,9,64.0,4,5,0.0,0,2\n" +
		"3,11,33,1,7,136.0,5,5,0.0,0,6\n" +
		"3,68,52,1,24,116.0,1,29,0.0,1,2\n"

	w := env.postFile(t, "batch.csv", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, 3.0, resp["total_rows"])
	assert.Equal(t, 3.0, resp["saved"])
	assert.Equal(t, 0.0, resp["dropped"])
	assert.Len(t, resp["predictions"], 3)

	rows, err := env.repo.List(context.Background(), repository.ListParams{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// newest first
	assert.Equal(t, 68, rows[0].Tenure)
	assert.Equal(t, 136.0, rows[1].Income)
	assert.Equal(t, 2, rows[2].Region)

	assert.Equal(t, []string{"batch.csv"}, env.archiver.names)
	assert.Equal(t, []int{len(body)}, env.archiver.sizes)
}

func TestPredictFileMissingColumns(t *testing.T) {
	env := newTestEnv(t, true)
	body := "region,tenure,age,marital,address,ed,employ,retire,gender,reside\n2,13,44,1,9,4,5,0,0,2\n"

	w := env.postFile(t, "batch.csv", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "Invalid file format", resp["error"])
	assert.Equal(t, []interface{}{"income"}, resp["missing_columns"])
	assert.Equal(t, int64(0), env.count(t))
}

func TestPredictFileBadCellPersistsNothing(t *testing.T) {
	env := newTestEnv(t, true)
	body := csvHeader +
		"2,13,44,1,9,64.0,4,5,0.0,0,2\n" +
		"2,13,forty,1,9,64.0,4,5,0.0,0,2\n"

	w := env.postFile(t, "batch.csv", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "File processing failed", resp["error"])
	assert.Contains(t, resp["detail"], "row 2")
	assert.Equal(t, int64(0), env.count(t))
}

func TestPredictFileWithoutFile(t *testing.T) {
	env := newTestEnv(t, true)

	req := httptest.NewRequest(http.MethodPost, "/api/predict/file", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields := decode(t, w)["fields"].(map[string]interface{})
	assert.Contains(t, fields, "file")
}

func TestPredictFileWithoutArtifact(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.postFile(t, "batch.csv", csvHeader+"2,13,44,1,9,64.0,4,5,0.0,0,2\n")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Could not load model", decode(t, w)["error"])
	assert.Empty(t, env.archiver.names)
}

func TestPredictFileTooLarge(t *testing.T) {
	env := newTestEnv(t, true)
	big := csvHeader + strings.Repeat("2,13,44,1,9,64.0,4,5,0.0,0,2\n", 50000)

	w := env.postFile(t, "big.csv", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, int64(0), env.count(t))
}

func TestListPredictionsPaginates(t *testing.T) {
	env := newTestEnv(t, true)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, env.postForm(validValues()).Code)
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/predictions?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data       []models.Prediction `json:"data"`
		NextCursor string              `json:"next_cursor"`
		HasMore    bool                `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "2", page.NextCursor)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/predictions?limit=2&before="+page.NextCursor, nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, uint64(1), page.Data[0].ID)
}

func login(t *testing.T, env *testEnv, password string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"admin","password":"`+password+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestAdminModelEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/model", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, http.StatusUnauthorized, login(t, env, "wrong").Code)
	w = login(t, env, "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/model/reload", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	status := decode(t, w)
	assert.Equal(t, true, status["loaded"])
	assert.Equal(t, "test", status["version"])

	req = httptest.NewRequest(http.MethodGet, "/api/admin/model", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, classifier.KindLogisticRegression, decode(t, w)["kind"])
}

func TestAdminReloadFailureKeepsModel(t *testing.T) {
	env := newTestEnv(t, true)
	require.Equal(t, http.StatusCreated, env.postForm(validValues()).Code)

	path := filepath.Join(env.root, filepath.FromSlash(config.ArtifactRelPath))
	token, err := env.auth.GenerateToken("admin", services.RoleAdmin)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	req := httptest.NewRequest(http.MethodPost, "/api/admin/model/reload", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.postForm(validValues())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 3.0, decode(t, w)["prediction"])
}

func TestLiveFeedRequiresToken(t *testing.T) {
	env := newTestEnv(t, true)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/predictions/live", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := env.auth.GenerateToken("admin", services.RoleAdmin)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/predictions/live?token="+token, nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, true)
	require.Equal(t, http.StatusCreated, env.postForm(validValues()).Code)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, true, body["model"].(map[string]interface{})["loaded"])

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "custcat_prediction_rows_saved_total 1")
	assert.Contains(t, w.Body.String(), `custcat_model_loads_total{result="ok"} 1`)
}
