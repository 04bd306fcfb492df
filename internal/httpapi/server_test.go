package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alexjoedt/filevault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockService struct {
	mock.Mock
}

func (m *MockService) Upload(ctx context.Context, originalName string, r io.Reader) (int64, error) {
	body, _ := io.ReadAll(r)
	args := m.Called(originalName, string(body))
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockService) List(ctx context.Context) ([]filevault.Summary, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]filevault.Summary), args.Error(1)
}

func (m *MockService) Fetch(ctx context.Context, id int64) (*filevault.Content, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*filevault.Content), args.Error(1)
}

func (m *MockService) Delete(ctx context.Context, id int64) error {
	return m.Called(id).Error(0)
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRoot(t *testing.T) {
	router := NewRouter(new(MockService), Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Secure Vault Running", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDPropagated(t *testing.T) {
	router := NewRouter(new(MockService), Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestPreflight(t *testing.T) {
	router := NewRouter(new(MockService), Options{})

	req := httptest.NewRequest(http.MethodOptions, "/upload", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestListFiles(t *testing.T) {
	svc := new(MockService)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.On("List").Return([]filevault.Summary{
		{ID: 2, OriginalFilename: "b.txt", CreatedAt: created},
		{ID: 1, OriginalFilename: "a.txt", CreatedAt: created},
	}, nil)

	router := NewRouter(svc, Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, float64(2), list[0]["id"])
	assert.Equal(t, "b.txt", list[0]["original_filename"])
	assert.Equal(t, "2024-01-02T03:04:05Z", list[0]["created_at"])
	svc.AssertExpectations(t)
}

func TestListFilesEmpty(t *testing.T) {
	svc := new(MockService)
	svc.On("List").Return([]filevault.Summary{}, nil)

	router := NewRouter(svc, Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestUpload(t *testing.T) {
	t.Run("uses original_name field", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Upload", "report.txt", "encrypted bytes").Return(int64(7), nil)

		body, ct := multipartBody(t, "blob.bin", "encrypted bytes", map[string]string{"original_name": "report.txt"})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode(t, rec)
		assert.Equal(t, float64(7), out["id"])
		assert.Equal(t, "Saved", out["status"])
		svc.AssertExpectations(t)
	})

	t.Run("falls back to the part filename", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Upload", "photo.jpg", "jpeg").Return(int64(8), nil)

		body, ct := multipartBody(t, "photo.jpg", "jpeg", nil)
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		svc.AssertExpectations(t)
	})

	t.Run("missing file part", func(t *testing.T) {
		svc := new(MockService)

		body, ct := multipartBody(t, "", "", map[string]string{"original_name": "x.txt"})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	})

	t.Run("too large", func(t *testing.T) {
		svc := new(MockService)

		body, ct := multipartBody(t, "big.bin", strings.Repeat("x", 4096), nil)
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{MaxUploadBytes: 1024}).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		svc.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	})

	t.Run("storage failure", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Upload", "x.txt", "x").Return(int64(0), fmt.Errorf("upload: %w: %w", filevault.ErrIOFailure, errors.New("no space left on device")))

		body, ct := multipartBody(t, "x.txt", "x", nil)
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, "io_failure", out["code"])
		assert.NotContains(t, rec.Body.String(), "no space left")
	})
}

func TestDownload(t *testing.T) {
	t.Run("seekable content", func(t *testing.T) {
		f, err := os.CreateTemp(t.TempDir(), "blob")
		require.NoError(t, err)
		_, err = f.WriteString("file body")
		require.NoError(t, err)
		_, err = f.Seek(0, io.SeekStart)
		require.NoError(t, err)

		svc := new(MockService)
		svc.On("Fetch", int64(3)).Return(&filevault.Content{
			ReadCloser:  f,
			Name:        "quarterly report.txt",
			ContentType: "text/plain; charset=utf-8",
			Size:        9,
			Checksum:    "abc123",
			CreatedAt:   time.Now(),
		}, nil)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/3/content", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "file body", rec.Body.String())
		assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))
		assert.Equal(t, `attachment; filename*=UTF-8''quarterly%20report.txt`, rec.Header().Get("Content-Disposition"))
	})

	t.Run("streamed content", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Fetch", int64(4)).Return(&filevault.Content{
			ReadCloser: io.NopCloser(strings.NewReader("compressed at rest")),
			Name:       "notes.txt",
			Size:       int64(len("compressed at rest")),
		}, nil)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/4/content", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "compressed at rest", rec.Body.String())
		assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	})

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
		detail   string
	}{
		{"unknown id", fmt.Errorf("fetch 9: %w", filevault.ErrRecordNotFound), http.StatusNotFound, "record_not_found", "File not found"},
		{"missing blob", fmt.Errorf("fetch 9: %w", filevault.ErrBlobMissing), http.StatusNotFound, "blob_missing", "File missing from disk"},
		{"metadata down", fmt.Errorf("fetch 9: %w: %w", filevault.ErrMetadataFailure, errors.New("boom")), http.StatusInternalServerError, "metadata_failure", "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			svc.On("Fetch", int64(9)).Return(nil, tt.err)

			rec := httptest.NewRecorder()
			NewRouter(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/9/content", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			out := decode(t, rec)
			assert.Equal(t, tt.wantKind, out["code"])
			assert.Equal(t, tt.detail, out["detail"])
		})
	}

	t.Run("invalid id", func(t *testing.T) {
		svc := new(MockService)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/abc/content", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		svc.AssertNotCalled(t, "Fetch", mock.Anything)
	})
}

func TestDownloadConditional(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("cached"), 0600))
	f, err := os.Open(path)
	require.NoError(t, err)

	svc := new(MockService)
	svc.On("Fetch", int64(5)).Return(&filevault.Content{
		ReadCloser: f,
		Name:       "c.txt",
		Size:       6,
		Checksum:   "deadbeef",
		CreatedAt:  time.Now(),
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/files/5/content", nil)
	req.Header.Set("If-None-Match", `"deadbeef"`)
	rec := httptest.NewRecorder()
	NewRouter(svc, Options{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestDeleteFile(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Delete", int64(11)).Return(nil)

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/files/11", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Deleted successfully", decode(t, rec)["status"])
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Delete", int64(12)).Return(fmt.Errorf("delete 12: %w", filevault.ErrRecordNotFound))

		rec := httptest.NewRecorder()
		NewRouter(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/files/12", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "File not found", decode(t, rec)["detail"])
	})
}

func TestRecoveryFromPanic(t *testing.T) {
	svc := new(MockService)
	svc.On("List").Run(func(mock.Arguments) { panic("unexpected") })

	rec := httptest.NewRecorder()
	NewRouter(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(filevault.NewCollector())

	rec := httptest.NewRecorder()
	NewRouter(new(MockService), Options{Gatherer: reg}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewRouter(new(MockService), Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
