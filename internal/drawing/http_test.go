package drawing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/jobs"
	"github.com/yourusername/drawing-review/internal/pipeline"
	"github.com/yourusername/drawing-review/internal/report"
	"github.com/yourusername/drawing-review/internal/storage"
)

type stubJobService struct {
	job      *jobs.Job
	err      error
	content  []byte
	filename string
	opts     int
}

func (s *stubJobService) Submit(_ context.Context, content []byte, filename string, opts ...jobs.SubmitOption) (*jobs.Job, error) {
	s.content = content
	s.filename = filename
	s.opts = len(opts)
	return s.job, s.err
}

func (s *stubJobService) Poll(_ context.Context, jobID string) (*jobs.Job, error) {
	if s.job == nil || s.job.ID != jobID {
		return nil, apperr.New(apperr.KindNotFound, "job not found")
	}
	return s.job, s.err
}

func (s *stubJobService) Cancel(_ context.Context, jobID string) (*jobs.Job, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.job, nil
}

func newRouter(svc JobService, opts HandlerOptions, reports ReportStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/drawings", SubmitHandler(svc, opts))
	r.GET("/api/jobs/:id", JobStatusHandler(svc, opts))
	r.POST("/api/jobs/:id/cancel", CancelHandler(svc, opts))
	if reports != nil {
		r.GET("/api/reports/:id", ReportDownloadHandler(reports))
	}
	return r
}

func multipartRequest(t *testing.T, filename string, content []byte, drawingName string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write content: %v", err)
	}
	if drawingName != "" {
		if err := writer.WriteField("drawingName", drawingName); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/drawings", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return payload
}

func TestSubmitQueued(t *testing.T) {
	svc := &stubJobService{job: &jobs.Job{ID: "job-1", State: jobs.StateQueued, Format: pipeline.FormatPDF}}
	r := newRouter(svc, HandlerOptions{MaxFileSize: 1 << 20}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "sheet.pdf", []byte("%PDF-1.7"), "配电装置图"))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["jobId"]; got != "job-1" {
		t.Fatalf("unexpected jobId: %v", got)
	}
	if svc.filename != "sheet.pdf" || string(svc.content) != "%PDF-1.7" || svc.opts != 1 {
		t.Fatalf("submit received unexpected input: %q %q %d", svc.filename, svc.content, svc.opts)
	}
}

func TestSubmitCacheHitReturnsOK(t *testing.T) {
	svc := &stubJobService{job: &jobs.Job{
		ID: "job-2", State: jobs.StateSucceeded, FromCache: true,
		Result: &pipeline.Result{Review: "ok", ReportID: "01J0000000000000000000000Z"},
	}}
	r := newRouter(svc, HandlerOptions{ReportBaseURL: "/api/reports/"}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "a.png", []byte("x"), ""))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	payload := decode(t, w)
	if payload["fromCache"] != true {
		t.Fatalf("expected fromCache flag: %v", payload)
	}
	if payload["reportUrl"] != "/api/reports/01J0000000000000000000000Z" {
		t.Fatalf("unexpected reportUrl: %v", payload["reportUrl"])
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		job    *jobs.Job
		err    error
		status int
		jobID  string
	}{
		{"validation", nil, apperr.New(apperr.KindValidation, "unsupported extension"), http.StatusBadRequest, ""},
		{"in flight", nil, &apperr.Error{Kind: apperr.KindAlreadyInFlight, Message: "busy", JobID: "job-running"}, http.StatusConflict, "job-running"},
		{"scheduling", &jobs.Job{ID: "job-failed", State: jobs.StateFailed}, apperr.New(apperr.KindScheduling, "queue full"), http.StatusServiceUnavailable, "job-failed"},
		{"internal", nil, apperr.New(apperr.KindInternal, "disk"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(&stubJobService{job: tc.job, err: tc.err}, HandlerOptions{}, nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, multipartRequest(t, "a.dxf", []byte("0\nSECTION"), ""))
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			payload := decode(t, w)
			if tc.jobID != "" && payload["jobId"] != tc.jobID {
				t.Fatalf("expected jobId %q, got %v", tc.jobID, payload["jobId"])
			}
			if payload["code"] != string(apperr.KindOf(tc.err)) {
				t.Fatalf("unexpected code: %v", payload["code"])
			}
		})
	}
}

func TestSubmitTooLarge(t *testing.T) {
	svc := &stubJobService{}
	r := newRouter(svc, HandlerOptions{MaxFileSize: 4}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, multipartRequest(t, "a.png", []byte("0123456789"), ""))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if svc.content != nil {
		t.Fatal("oversized upload must not reach the job service")
	}
}

func TestSubmitWithoutFile(t *testing.T) {
	r := newRouter(&stubJobService{}, HandlerOptions{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/drawings", strings.NewReader("x=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestJobStatusAndCancel(t *testing.T) {
	svc := &stubJobService{job: &jobs.Job{ID: "job-3", State: jobs.StateRunning, Stage: pipeline.StageRecognize}}
	r := newRouter(svc, HandlerOptions{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/job-3", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["stage"]; got != string(pipeline.StageRecognize) {
		t.Fatalf("unexpected stage: %v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	svc.err = apperr.New(apperr.KindInvalidState, "job already finished")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs/job-3/cancel", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestReportDownload(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	writer := report.NewWriter(store)
	id, err := writer.Write(context.Background(), pipeline.Report{Filename: "a.pdf", Review: "通过"})
	if err != nil {
		t.Fatalf("failed to write report: %v", err)
	}
	r := newRouter(&stubJobService{}, HandlerOptions{}, writer)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/reports/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), report.FileName(id)) {
		t.Fatalf("unexpected Content-Disposition: %s", w.Header().Get("Content-Disposition"))
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "通过") {
		t.Fatal("report body missing review text")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/reports/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
