// Package drawing は図面レビュー API の HTTP ハンドラーを提供します。
package drawing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/drawing-review/internal/apperr"
	"github.com/yourusername/drawing-review/internal/jobs"
	"github.com/yourusername/drawing-review/internal/report"
)

// multipart のヘッダー等に許す余白。
const multipartOverhead = 1 << 20

// JobService はジョブの投入・参照・取消を提供します。
type JobService interface {
	Submit(ctx context.Context, content []byte, filename string, opts ...jobs.SubmitOption) (*jobs.Job, error)
	Poll(ctx context.Context, jobID string) (*jobs.Job, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Job, error)
}

// ReportStore は保存済みレポートを開きます。
type ReportStore interface {
	Open(id string) (*os.File, fs.FileInfo, error)
}

// HandlerOptions はハンドラー共通の設定です。
type HandlerOptions struct {
	MaxFileSize   int64
	ReportBaseURL string
}

// SubmitHandler は POST /api/drawings のハンドラーを返します。
func SubmitHandler(svc JobService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.MaxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxFileSize+multipartOverhead)
		}
		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondTooLarge(c, opts.MaxFileSize)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で図面ファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		header, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}
		if opts.MaxFileSize > 0 && header.Size > opts.MaxFileSize {
			respondTooLarge(c, opts.MaxFileSize)
			return
		}

		content, err := readFile(header)
		if err != nil {
			respondWithError(c, err)
			return
		}

		var submitOpts []jobs.SubmitOption
		if name := strings.TrimSpace(c.PostForm("drawingName")); name != "" {
			submitOpts = append(submitOpts, jobs.WithDrawingName(name))
		}

		job, err := svc.Submit(c.Request.Context(), content, header.Filename, submitOpts...)
		if err != nil {
			if job != nil {
				err = withJobID(err, job.ID)
			}
			respondWithError(c, err)
			return
		}

		status := http.StatusAccepted
		if job.State.Terminal() {
			status = http.StatusOK
		}
		c.JSON(status, jobPayload(job, opts))
	}
}

// JobStatusHandler は GET /api/jobs/:id のハンドラーを返します。
func JobStatusHandler(svc JobService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := requireJobID(c)
		if !ok {
			return
		}
		job, err := svc.Poll(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobPayload(job, opts))
	}
}

// CancelHandler は POST /api/jobs/:id/cancel のハンドラーを返します。
func CancelHandler(svc JobService, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := requireJobID(c)
		if !ok {
			return
		}
		job, err := svc.Cancel(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, jobPayload(job, opts))
	}
}

// ReportDownloadHandler は GET /api/reports/:id のハンドラーを返します。
func ReportDownloadHandler(store ReportStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		file, info, err := store.Open(id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		name := report.FileName(id)
		contentType := "text/html; charset=utf-8"
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, url.PathEscape(name)))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	}
}

func jobPayload(job *jobs.Job, opts HandlerOptions) gin.H {
	payload := gin.H{
		"jobId":       job.ID,
		"state":       job.State,
		"fingerprint": job.Fingerprint,
		"filename":    job.Filename,
		"format":      job.Format,
		"fromCache":   job.FromCache,
		"createdAt":   job.CreatedAt,
		"updatedAt":   job.UpdatedAt,
	}
	if job.DrawingName != "" {
		payload["drawingName"] = job.DrawingName
	}
	if job.Stage != "" {
		payload["stage"] = job.Stage
	}
	if job.CancelRequested {
		payload["cancelRequested"] = true
	}
	if job.Result != nil {
		payload["result"] = job.Result
		if job.Result.ReportID != "" && opts.ReportBaseURL != "" {
			payload["reportUrl"] = strings.TrimRight(opts.ReportBaseURL, "/") + "/" + job.Result.ReportID
		}
	}
	if job.Error != nil {
		payload["error"] = job.Error
	}
	return payload
}

func requireJobID(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return "", false
	}
	return jobID, true
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form != nil {
		for _, key := range []string{"file", "file[]"} {
			if files := form.File[key]; len(files) > 0 {
				return files[0], nil
			}
		}
	}
	return nil, errors.New("図面ファイルを選択してください。")
}

func readFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("アップロードファイルを開けませんでした: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// withJobID はジョブIDを持たないアプリケーションエラーに jobID を付与します。
func withJobID(err error, jobID string) error {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.JobID != "" {
		return err
	}
	cp := *appErr
	cp.JobID = jobID
	return &cp
}

func respondTooLarge(c *gin.Context, limit int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"code":    "LIMIT_EXCEEDED",
		"message": fmt.Sprintf("ファイルサイズが上限（%d バイト）を超えています。", limit),
	})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyInFlight, apperr.KindAlreadyExists, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindScheduling:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondWithError(c *gin.Context, err error) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		status := statusFor(appErr.Kind)
		body := gin.H{
			"code":    appErr.Kind,
			"message": appErr.Message,
		}
		if status == http.StatusInternalServerError {
			body["message"] = "サーバー内部でエラーが発生しました。"
			_ = c.Error(err)
		}
		if appErr.JobID != "" {
			body["jobId"] = appErr.JobID
		}
		if appErr.Stage != "" {
			body["stage"] = appErr.Stage
		}
		c.JSON(status, body)
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    apperr.KindInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
