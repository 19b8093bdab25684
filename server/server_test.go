package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"

	"github.com/pixelclass/pixelclass/checkpoints"
	"github.com/pixelclass/pixelclass/engine"
	"github.com/pixelclass/pixelclass/layers"
	"github.com/pixelclass/pixelclass/training"
)

func saveModel(t *testing.T, dir string, classes int, seed int64) {
	t.Helper()
	spec, err := layers.BuildClassifier([]int{8, 8, 4}, classes)
	if err != nil {
		t.Fatalf("BuildClassifier: %v", err)
	}
	model, err := engine.NewModel(spec, engine.Config{Seed: seed, Workers: 1})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	defer model.Release()
	if err := checkpoints.SaveModel(model, dir, checkpoints.TrainingState{Epoch: 1}); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}
}

func setupTestServer(t *testing.T, classes int) (*gin.Engine, *ModelStore, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	saveModel(t, dir, classes, 1)

	store := NewModelStore(dir, 0, engine.Config{Workers: 1})
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	t.Cleanup(store.Close)
	return NewRouter(store), store, dir
}

func performRequest(r http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "upload.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func pngBytes(t *testing.T, size int, c color.NRGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(size, size, c), imaging.PNG); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}

func TestHealthAndModel(t *testing.T) {
	r, _, dir := setupTestServer(t, 3)

	resp := performRequest(r, http.MethodGet, "/health", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("health status=%d body=%s", resp.Code, resp.Body.String())
	}

	resp = performRequest(r, http.MethodGet, "/model", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("model status=%d body=%s", resp.Code, resp.Body.String())
	}
	var info ModelInfo
	if err := json.Unmarshal(resp.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode model info: %v", err)
	}
	if info.NumClasses != 3 || info.Dir != dir || len(info.Layers) != 11 || info.TrainingState.Epoch != 1 {
		t.Errorf("unexpected model info %+v", info)
	}
}

func TestPredictImage(t *testing.T) {
	r, _, _ := setupTestServer(t, 3)

	// Uploads of any size are resized to the model input
	body, ct := multipartBody(t, "image", pngBytes(t, 20, color.NRGBA{200, 10, 10, 255}))
	resp := performRequest(r, http.MethodPost, "/predict/image", body, ct)
	if resp.Code != http.StatusOK {
		t.Fatalf("predict status=%d body=%s", resp.Code, resp.Body.String())
	}
	var p training.Prediction
	if err := json.Unmarshal(resp.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode prediction: %v", err)
	}
	if p.Class < 0 || p.Class >= 3 || len(p.Probabilities) != 3 {
		t.Errorf("unexpected prediction %+v", p)
	}
	if p.Confidence != p.Probabilities[p.Class] {
		t.Errorf("confidence %f does not match probability %f", p.Confidence, p.Probabilities[p.Class])
	}
}

func TestPredictImageBadRequests(t *testing.T) {
	r, _, _ := setupTestServer(t, 2)

	body, ct := multipartBody(t, "file", pngBytes(t, 8, color.NRGBA{0, 0, 0, 255}))
	if resp := performRequest(r, http.MethodPost, "/predict/image", body, ct); resp.Code != http.StatusBadRequest {
		t.Errorf("wrong field: status=%d", resp.Code)
	}

	body, ct = multipartBody(t, "image", []byte("not an image"))
	if resp := performRequest(r, http.MethodPost, "/predict/image", body, ct); resp.Code != http.StatusBadRequest {
		t.Errorf("corrupt image: status=%d", resp.Code)
	}
}

func TestNoModelLoaded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewModelStore(t.TempDir(), 0, engine.Config{})
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error for empty directory")
	}
	r := NewRouter(store)

	if resp := performRequest(r, http.MethodGet, "/health", nil, ""); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("health status=%d", resp.Code)
	}
	body, ct := multipartBody(t, "image", pngBytes(t, 8, color.NRGBA{0, 0, 0, 255}))
	if resp := performRequest(r, http.MethodPost, "/predict/image", body, ct); resp.Code != http.StatusServiceUnavailable {
		t.Errorf("predict status=%d", resp.Code)
	}
}

func TestReloadFailureKeepsModel(t *testing.T) {
	r, store, dir := setupTestServer(t, 3)

	if err := os.WriteFile(filepath.Join(dir, checkpoints.ModelFileName), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error for corrupt model.json")
	}
	if resp := performRequest(r, http.MethodGet, "/health", nil, ""); resp.Code != http.StatusOK {
		t.Errorf("expected previous model to keep serving, status=%d", resp.Code)
	}
}

func TestWatchReloadsModel(t *testing.T) {
	r, store, dir := setupTestServer(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan error, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, store, func(err error) { reloaded <- err }) }()

	// Give the watcher time to register the directory
	time.Sleep(200 * time.Millisecond)
	saveModel(t, dir, 5, 2)

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("model was not reloaded")
	}

	resp := performRequest(r, http.MethodGet, "/model", nil, "")
	var info ModelInfo
	if err := json.Unmarshal(resp.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode model info: %v", err)
	}
	if info.NumClasses != 5 {
		t.Errorf("expected reloaded model with 5 classes, got %d", info.NumClasses)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
