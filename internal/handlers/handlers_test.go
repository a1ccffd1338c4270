package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-contour/internal/auth"
	"github.com/example/face-contour/internal/channel"
	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/metrics"
	"github.com/example/face-contour/internal/normalizer"
	"github.com/example/face-contour/internal/repository"
	"github.com/example/face-contour/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	clientID   string
	source     normalizer.ImageSource
	opts       detector.Options
	spooled    []byte
	fs         afero.Fs
	result     *detector.Result
	processErr error
	log        *repository.DetectionLog
	logErr     error
	summary    *usecase.MetricsSummary
}

func (s *stubService) ProcessImage(_ context.Context, clientID string, source normalizer.ImageSource, opts detector.Options) (string, *detector.Result, error) {
	s.clientID = clientID
	s.source = source
	s.opts = opts
	if fp, ok := source.(normalizer.FilePath); ok && s.fs != nil {
		s.spooled, _ = afero.ReadFile(s.fs, fp.Path)
	}
	if s.processErr != nil {
		return "", nil, s.processErr
	}
	result := s.result
	if result == nil {
		result = &detector.Result{Faces: []detector.Face{}}
	}
	return "req-1", result, nil
}

func (s *stubService) GetResult(_ context.Context, clientID, requestID string) (*repository.DetectionLog, error) {
	s.clientID = clientID
	return s.log, s.logErr
}

func (s *stubService) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return s.summary, nil
}

func newTestRouter(t *testing.T, svc Service, fs afero.Fs) *gin.Engine {
	return newTestRouterWith(t, svc, fs, nil)
}

func newTestRouterWith(t *testing.T, svc Service, fs afero.Fs, configure func(*Config)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dispatcher := channel.NewDispatcher(zap.NewNop())
	channel.RegisterFaceDetector(dispatcher, svc, auth.GetClientID)

	cfg := Config{
		Service:    svc,
		Dispatcher: dispatcher,
		Auth:       auth.JWTMiddleware(testJWTSecret, ""),
		Metrics:    metrics.NewRecorder().Handler(),
		UploadFs:   fs,
		UploadDir:  "/uploads",
	}
	if configure != nil {
		configure(&cfg)
	}

	router := gin.New()
	router.MaxMultipartMemory = cfg.MaxUploadSize
	if router.MaxMultipartMemory == 0 {
		router.MaxMultipartMemory = MaxUploadSize
	}
	RegisterRoutes(router, cfg)
	return router
}

// normalizingService runs the real normalizer so tests see what callers of
// the channel route would see.
type normalizingService struct {
	stubService
	norm *normalizer.Normalizer
}

func (s *normalizingService) ProcessImage(_ context.Context, _ string, source normalizer.ImageSource, _ detector.Options) (string, *detector.Result, error) {
	if _, err := s.norm.Normalize(source); err != nil {
		return "", nil, err
	}
	return "req-1", &detector.Result{Faces: []detector.Face{}}, nil
}

// confinedRouter serves uploads and normalizes files inside /uploads of a
// memory file system that also holds /etc/passwd.
func confinedRouter(t *testing.T) *gin.Engine {
	t.Helper()
	root := afero.NewMemMapFs()
	if err := afero.WriteFile(root, "/etc/passwd", []byte("root:x:0:0:root:/root:/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := root.MkdirAll("/uploads", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	uploads := afero.NewBasePathFs(root, "/uploads")
	svc := &normalizingService{norm: normalizer.New(normalizer.WithFs(uploads))}
	return newTestRouterWith(t, svc, uploads, func(cfg *Config) { cfg.UploadDir = "/" })
}

func serve(router *gin.Engine, req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestDetectRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(t, &stubService{}, afero.NewMemMapFs())

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/detect", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestDetectRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, &stubService{}, afero.NewMemMapFs())

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/detect", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestDetectSpoolsUploadAsFilePath(t *testing.T) {
	fs := afero.NewMemMapFs()
	svc := &stubService{fs: fs, result: &detector.Result{Faces: []detector.Face{{Confidence: 0.8}}}}
	router := newTestRouter(t, svc, fs)

	payload := encodeTestPNG(t)
	body, contentType := buildMultipartBody(t, "image/png", payload, `{"enableContours":true,"mode":"accurate"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/detect", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	fp, ok := svc.source.(normalizer.FilePath)
	if !ok {
		t.Fatalf("expected FilePath source, got %T", svc.source)
	}
	if !strings.HasPrefix(fp.Path, "/uploads/") || !strings.HasSuffix(fp.Path, ".png") {
		t.Fatalf("unexpected spool path %q", fp.Path)
	}
	if !bytes.Equal(svc.spooled, payload) {
		t.Fatal("spooled file does not match upload")
	}
	if exists, _ := afero.Exists(fs, fp.Path); exists {
		t.Fatal("expected spooled file to be removed")
	}
	if svc.clientID != "client-1" {
		t.Fatalf("expected client id from token, got %q", svc.clientID)
	}
	if !svc.opts.EnableContours || svc.opts.Mode != detector.ModeAccurate {
		t.Fatalf("expected options from form, got %+v", svc.opts)
	}

	var reply struct {
		Result channel.ProcessImageReply `json:"result"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &reply); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if reply.Result.RequestID != "req-1" || len(reply.Result.Faces) != 1 {
		t.Fatalf("unexpected reply: %+v", reply.Result)
	}
}

func TestDetectMapsNormalizationErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	svc := &stubService{processErr: normalizer.NewError(normalizer.KindUnreadable, "normalize", "corrupt")}
	router := newTestRouter(t, svc, fs)

	body, contentType := buildMultipartBody(t, "image/png", encodeTestPNG(t), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/detect", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	assertErrorCode(t, resp, channel.CodeIOError)
}

func TestChannelProcessImage(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc, afero.NewMemMapFs())

	args := `{"type":"bytes","bytes":"AAAA","metadata":{"width":2,"height":2,"rotation":90}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/channel/FaceDetector%23processImage", strings.NewReader(args))
	req.Header.Set("Content-Type", "application/json")

	resp := serve(router, req, buildTestToken(t, "client-9"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	raw, ok := svc.source.(normalizer.RawBuffer)
	if !ok {
		t.Fatalf("expected RawBuffer, got %T", svc.source)
	}
	if raw.RotationDegrees != 90 || raw.Format != normalizer.PixelFormatNV21 || len(raw.Bytes) != 3 {
		t.Fatalf("unexpected raw buffer: %+v", raw)
	}
	if svc.clientID != "client-9" {
		t.Fatalf("expected client id from token, got %q", svc.clientID)
	}
}

func TestChannelErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		status int
		code   string
	}{
		{name: "unknown method", method: "TextRecognizer%23processImage", body: `{}`, status: http.StatusNotImplemented, code: channel.CodeNotImplemented},
		{name: "unknown image type", method: "FaceDetector%23processImage", body: `{"type":"url"}`, status: http.StatusBadRequest, code: channel.CodeUnsupportedSource},
		{name: "missing metadata", method: "FaceDetector%23processImage", body: `{"type":"bytes","bytes":"AAAA"}`, status: http.StatusBadRequest, code: channel.CodeInvalidMetadata},
		{name: "malformed json", method: "FaceDetector%23processImage", body: `[1,`, status: http.StatusBadRequest, code: channel.CodeInvalidMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &stubService{}, afero.NewMemMapFs())
			req := httptest.NewRequest(http.MethodPost, "/v1/channel/"+tt.method, strings.NewReader(tt.body))
			resp := serve(router, req, buildTestToken(t, "client-1"))
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
			assertErrorCode(t, resp, tt.code)
		})
	}
}

func TestChannelDetectorFailureIsBadGateway(t *testing.T) {
	svc := &stubService{processErr: errors.New("vendor unavailable")}
	router := newTestRouter(t, svc, afero.NewMemMapFs())

	req := httptest.NewRequest(http.MethodPost, "/v1/channel/FaceDetector%23processImage", strings.NewReader(`{"type":"file","path":"/tmp/a.jpg"}`))
	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	assertErrorCode(t, resp, channel.CodeDetectorError)
}

func TestRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t, &stubService{}, afero.NewMemMapFs())

	for _, path := range []string{"/v1/results/req-1", "/v1/metrics/summary"} {
		resp := serve(router, httptest.NewRequest(http.MethodGet, path, nil), "")
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.Code)
		}
	}

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected health to be public, got %d", resp.Code)
	}
	resp = serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected metrics to be public, got %d", resp.Code)
	}
}

func TestGetResult(t *testing.T) {
	svc := &stubService{log: &repository.DetectionLog{
		RequestID: "req-1",
		ClientID:  "client-1",
		Rotated:   true,
		Success:   true,
		FaceCount: 1,
		Faces:     `[{"boundingBox":{"left":1,"top":2,"width":3,"height":4}}]`,
	}}
	router := newTestRouter(t, svc, afero.NewMemMapFs())

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/v1/results/req-1", nil), buildTestToken(t, "client-1"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		RequestID string           `json:"request_id"`
		Rotated   bool             `json:"rotated"`
		Faces     []map[string]any `json:"faces"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if body.RequestID != "req-1" || !body.Rotated || len(body.Faces) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if svc.clientID != "client-1" {
		t.Fatalf("expected lookup scoped to client, got %q", svc.clientID)
	}
}

func TestGetResultNotFound(t *testing.T) {
	router := newTestRouter(t, &stubService{logErr: gorm.ErrRecordNotFound}, afero.NewMemMapFs())

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/v1/results/missing", nil), buildTestToken(t, "client-1"))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestMetricsSummary(t *testing.T) {
	svc := &stubService{summary: &usecase.MetricsSummary{TotalRequests: 4, RotatedShare: 0.25}}
	router := newTestRouter(t, svc, afero.NewMemMapFs())

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/v1/metrics/summary", nil), buildTestToken(t, "client-1"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if summary.TotalRequests != 4 || summary.RotatedShare != 0.25 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestChannelFileSourceCannotLeaveUploadDir(t *testing.T) {
	router := confinedRouter(t)

	for _, path := range []string{"/etc/passwd", "../etc/passwd", "/etc/shadow-nope", "/etc"} {
		t.Run(path, func(t *testing.T) {
			body := `{"type":"file","path":"` + path + `"}`
			req := httptest.NewRequest(http.MethodPost, "/v1/channel/FaceDetector%23processImage", strings.NewReader(body))
			resp := serve(router, req, buildTestToken(t, "client-1"))
			if resp.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", resp.Code, resp.Body.String())
			}
			assertErrorCode(t, resp, channel.CodeIOError)
			for _, leak := range []string{"/etc", "passwd", "text/plain", "directory", "stat"} {
				if strings.Contains(resp.Body.String(), leak) {
					t.Fatalf("response leaks %q: %s", leak, resp.Body.String())
				}
			}
		})
	}
}

func TestDetectWorksInsideConfinedUploadDir(t *testing.T) {
	router := confinedRouter(t)

	body, contentType := buildMultipartBody(t, "image/png", encodeTestPNG(t), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/detect", body)
	req.Header.Set("Content-Type", contentType)

	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestChannelRejectsOversizedBody(t *testing.T) {
	svc := &stubService{}
	router := newTestRouterWith(t, svc, afero.NewMemMapFs(), func(cfg *Config) { cfg.MaxUploadSize = 1 << 10 })

	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, int(channelBodyLimit(1<<10))))
	body := `{"type":"bytes","bytes":"` + payload + `","metadata":{"width":32,"height":32}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/channel/FaceDetector%23processImage", strings.NewReader(body))

	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
	if svc.source != nil {
		t.Fatal("processor must not see an oversized payload")
	}
}

func TestChannelAcceptsBodyWithinLimit(t *testing.T) {
	svc := &stubService{}
	router := newTestRouterWith(t, svc, afero.NewMemMapFs(), func(cfg *Config) { cfg.MaxUploadSize = 1 << 10 })

	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 1<<10))
	body := `{"type":"bytes","bytes":"` + payload + `","metadata":{"width":32,"height":32}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/channel/FaceDetector%23processImage", strings.NewReader(body))

	resp := serve(router, req, buildTestToken(t, "client-1"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if raw, ok := svc.source.(normalizer.RawBuffer); !ok || len(raw.Bytes) != 1<<10 {
		t.Fatalf("expected full payload to reach the processor, got %T", svc.source)
	}
}

func assertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, code string) {
	t.Helper()
	var body struct {
		Error channel.Error `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body %q: %v", resp.Body.String(), err)
	}
	if body.Error.Code != code {
		t.Fatalf("expected code %s, got %s", code, body.Error.Code)
	}
}

func encodeTestPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, options string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if options != "" {
		if err := writer.WriteField("options", options); err != nil {
			t.Fatalf("failed to write options: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	token, err := auth.SignToken(testJWTSecret, subject, "", time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}
