package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/x11mirror/internal/admission"
	"github.com/JonMunkholm/x11mirror/internal/config"
	"github.com/JonMunkholm/x11mirror/internal/convert"
	"github.com/JonMunkholm/x11mirror/internal/core"
	"github.com/JonMunkholm/x11mirror/internal/history"
)

type testEnv struct {
	cfg    *config.Config
	ctrl   *admission.Controller
	srv    *Server
	ts     *httptest.Server
	active atomic.Int32
	peak   atomic.Int32
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			ConnectionTimeout: 15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Storage: config.StorageConfig{Dir: t.TempDir()},
		Upload: config.UploadConfig{
			FieldPrefix: "file",
			MaxFileSize: 1 << 20,
			ChunkSize:   4,
			MaxWaiters:  64,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, opts ...Option) *testEnv {
	t.Helper()
	return newRecordingEnv(t, cfg, nil, opts...)
}

// newRecordingEnv is newTestEnv with rec receiving the upload records. When
// rec can list them too, it backs the status route.
func newRecordingEnv(t *testing.T, cfg *config.Config, rec core.Recorder, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{cfg: cfg}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := core.NewStorage(cfg.Storage)
	if err := store.Prepare(); err != nil {
		t.Fatalf("Prepare error = %v", err)
	}
	env.ctrl = admission.NewController(admission.NewPool(cfg.Upload.MaxWaiters), admission.WithLogger(logger))
	machine := core.NewMachine(env.ctrl, store, convert.Func(env.copyConvert), core.Options{
		FieldPrefix:   cfg.Upload.FieldPrefix,
		Recorder:      rec,
		RecordTimeout: 5 * time.Second,
		Logger:        logger,
	})
	if recent, ok := rec.(RecentUploads); ok {
		opts = append(opts, WithStatus(env.ctrl, recent))
	}

	env.srv = NewServer(cfg, machine, append([]Option{WithLogger(logger)}, opts...)...)
	env.ts = httptest.NewServer(env.srv.Router())
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) copyConvert(_ context.Context, in, out string) error {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func multipartBody(key string, payload []byte) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile(key, "screen.xwd")
	fw.Write(payload)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

// post is safe to call from any goroutine.
func (e *testEnv) post(key string, payload []byte) (int, string, error) {
	body, ctype := multipartBody(key, payload)
	resp, err := http.Post(e.ts.URL+"/", ctype, body)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// streamingUpload starts a POST whose body the test writes piece by piece.
type streamingUpload struct {
	pw   *io.PipeWriter
	mw   *multipart.Writer
	part io.Writer
	done chan result
}

type result struct {
	code int
	body string
	err  error
}

func startStreaming(t *testing.T, url string) *streamingUpload {
	t.Helper()
	pr, pw := io.Pipe()
	u := &streamingUpload{pw: pw, mw: multipart.NewWriter(pw), done: make(chan result, 1)}

	go func() {
		resp, err := http.Post(url+"/", u.mw.FormDataContentType(), pr)
		if err != nil {
			pr.CloseWithError(err)
			u.done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		u.done <- result{code: resp.StatusCode, body: string(b)}
	}()

	part, err := u.mw.CreateFormFile("file", "stream.xwd")
	if err != nil {
		t.Fatal(err)
	}
	u.part = part
	return u
}

func (u *streamingUpload) write(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(u.part, s); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (u *streamingUpload) finish(t *testing.T) result {
	t.Helper()
	u.mw.Close()
	u.pw.Close()
	return <-u.done
}

func TestUpload_Completed(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	code, body, err := env.post("file", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusOK || !strings.Contains(body, "Upload completed.") {
		t.Fatalf("POST / = %d %q, want 200 completed page", code, body)
	}
	if !env.ctrl.Idle() {
		t.Errorf("controller = %+v, want idle", env.ctrl.Status())
	}

	resp, err := http.Get(env.ts.URL + "/get.jpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(got) != "hello" {
		t.Errorf("GET /get.jpg = %d %q, want 200 %q", resp.StatusCode, got, "hello")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
}

func TestUpload_BadFieldKey(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	code, body, err := env.post("notfile", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusBadRequest || !strings.Contains(body, "Bad request.") {
		t.Errorf("POST / = %d %q, want 400 bad-request page", code, body)
	}
	if !env.ctrl.Idle() {
		t.Errorf("controller = %+v, want untouched", env.ctrl.Status())
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	resp, err := http.Post(env.ts.URL+"/", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if !resp.Close {
		t.Error("connection should be closed after a protocol error")
	}
	if body, _ := io.ReadAll(resp.Body); strings.Contains(string(body), "<html>") {
		t.Errorf("protocol error body = %q, want plain text", body)
	}
}

func TestUpload_StalledBodyTimesOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ConnectionTimeout = 200 * time.Millisecond
	env := newTestEnv(t, cfg)

	body, ctype := multipartBody("file", []byte("hello"))
	partial := body.Bytes()[:body.Len()-10]

	conn, err := net.Dial("tcp", env.ts.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Announce more than is ever sent, then stall.
	fmt.Fprintf(conn, "POST / HTTP/1.1\r\nHost: mirror\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		ctype, body.Len()+1000)
	if _, err := conn.Write(partial); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse error = %v", err)
	}
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(string(got), "Internal server error: I/O error.") {
		t.Errorf("stalled upload = %d %q, want 500 io-error page", resp.StatusCode, got)
	}
	if !resp.Close {
		t.Error("connection should be closed after a timed out upload")
	}
	waitFor(t, "controller to be idle", env.ctrl.Idle)
	if _, err := os.Stat(env.cfg.Storage.StagingPath()); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.MaxFileSize = 64
	env := newTestEnv(t, cfg)

	code, body, err := env.post("file", bytes.Repeat([]byte("x"), 1000))
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusBadRequest || !strings.Contains(body, "Bad request.") {
		t.Errorf("POST / = %d %q, want 400 bad-request page", code, body)
	}
	waitFor(t, "controller to be idle", env.ctrl.Idle)
	if _, err := os.Stat(env.cfg.Storage.StagingPath()); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}
}

func TestUpload_MalformedBody(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	resp, err := http.Post(env.ts.URL+"/", "multipart/form-data; boundary=xyz", strings.NewReader("no parts here\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "Bad request.") {
		t.Errorf("POST / = %d %q, want 400 bad-request page", resp.StatusCode, body)
	}
}

// blockingRecorder holds every record until release is closed.
type blockingRecorder struct {
	release chan struct{}
	done    atomic.Bool
}

func (r *blockingRecorder) RecordUpload(ctx context.Context, _ core.UploadRecord) error {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	r.done.Store(true)
	return nil
}

func TestUpload_ResponseDoesNotWaitForRecorders(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{})}
	env := newRecordingEnv(t, testConfig(t), rec)
	t.Cleanup(func() { close(rec.release) })

	code, body, err := env.post("file", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusOK || !strings.Contains(body, "Upload completed.") {
		t.Fatalf("POST / = %d %q, want 200 completed page", code, body)
	}
	if rec.done.Load() {
		t.Error("response was held back until the recorder finished")
	}
}

func TestServer_Status(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.StatusPath = "/status"
	mem := history.NewMemoryRecorder(10)
	env := newRecordingEnv(t, cfg, mem)

	if code, _, err := env.post("file", []byte("hello")); err != nil || code != http.StatusOK {
		t.Fatalf("POST / = %d %v, want 200", code, err)
	}
	waitFor(t, "upload to be recorded", func() bool {
		recs, _ := mem.Recent(context.Background(), 0)
		return len(recs) == 1
	})

	resp, err := http.Get(env.ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if report.Admission.Busy || report.Admission.Waiting != 0 {
		t.Errorf("Admission = %+v, want idle", report.Admission)
	}
	if len(report.Recent) != 1 {
		t.Fatalf("Recent has %d records, want 1", len(report.Recent))
	}
	if got := report.Recent[0]; got.StatusCode != http.StatusOK || got.Page != "completed" || got.Bytes != 5 {
		t.Errorf("Recent[0] = %+v, want 200 completed 5 bytes", got)
	}

	bad, err := http.Get(env.ts.URL + "/status?limit=0")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("GET /status?limit=0 = %d, want 400", bad.StatusCode)
	}
}

func TestServer_StatusDisabled(t *testing.T) {
	env := newRecordingEnv(t, testConfig(t), history.NewMemoryRecorder(10))

	resp, err := http.Get(env.ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /status without a status path = %d, want 404", resp.StatusCode)
	}
}

func TestRoutes(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	tests := []struct {
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{http.MethodGet, "/", http.StatusOK, "Hello!"},
		{http.MethodHead, "/", http.StatusOK, ""},
		{http.MethodGet, "/get.jpg", http.StatusNotFound, "Not found."},
		{http.MethodGet, "/nope", http.StatusNotFound, "Not found."},
		{http.MethodPost, "/nope", http.StatusNotFound, "Not found."},
		{http.MethodDelete, "/", http.StatusMethodNotAllowed, "Method not allowed."},
		{http.MethodPut, "/nope", http.StatusMethodNotAllowed, "Method not allowed."},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, env.ts.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", body, tt.wantBody)
			}
			if tt.wantCode == http.StatusMethodNotAllowed && resp.Header.Get("Allow") == "" {
				t.Error("405 without Allow header")
			}
		})
	}
}

func TestUpload_SecondWaitsForFirst(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	a := startStreaming(t, env.ts.URL)
	a.write(t, "first-upload-")
	waitFor(t, "A to hold the slot", func() bool { return env.ctrl.Status().Busy })

	bDone := make(chan result, 1)
	go func() {
		code, body, err := env.post("file", []byte("second"))
		bDone <- result{code: code, body: body, err: err}
	}()
	waitFor(t, "B to be parked", func() bool { return env.ctrl.Status().Waiting == 1 })

	// Reads are served while the upload is in progress.
	if resp, err := http.Get(env.ts.URL + "/"); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / during upload = %v, %v", resp, err)
	} else {
		resp.Body.Close()
	}

	a.write(t, "done")
	if res := a.finish(t); res.err != nil || res.code != http.StatusOK {
		t.Fatalf("A = %d %v, want 200", res.code, res.err)
	}

	res := <-bDone
	if res.err != nil || res.code != http.StatusOK {
		t.Fatalf("B = %d %v, want 200", res.code, res.err)
	}

	got, _ := os.ReadFile(env.cfg.Storage.ArtifactPath())
	if string(got) != "second" {
		t.Errorf("artifact = %q, want the last upload", got)
	}
	if !env.ctrl.Idle() {
		t.Errorf("controller = %+v, want idle", env.ctrl.Status())
	}
}

func TestUpload_AbortReleasesSlot(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	a := startStreaming(t, env.ts.URL)
	a.write(t, "partial-bytes")
	waitFor(t, "A to hold the slot", func() bool { return env.ctrl.Status().Busy })

	bDone := make(chan result, 1)
	go func() {
		code, body, err := env.post("file", []byte("survivor"))
		bDone <- result{code: code, body: body, err: err}
	}()
	waitFor(t, "B to be parked", func() bool { return env.ctrl.Status().Waiting == 1 })

	a.pw.CloseWithError(errors.New("client crashed"))
	<-a.done

	res := <-bDone
	if res.err != nil || res.code != http.StatusOK {
		t.Fatalf("B = %d %v, want 200", res.code, res.err)
	}
	if got, _ := os.ReadFile(env.cfg.Storage.ArtifactPath()); string(got) != "survivor" {
		t.Errorf("artifact = %q, want %q", got, "survivor")
	}
	if _, err := os.Stat(env.cfg.Storage.StagingPath()); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}
	waitFor(t, "controller to be idle", env.ctrl.Idle)
}

func TestUpload_ConcurrentClientsAreSerialized(t *testing.T) {
	const n = 8
	env := newTestEnv(t, testConfig(t))

	var g errgroup.Group
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("client-%d-payload", i))
		g.Go(func() error {
			code, _, err := env.post("file", payload)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("status %d", code)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := env.peak.Load(); got != 1 {
		t.Errorf("peak concurrent conversions = %d, want 1", got)
	}
	if !env.ctrl.Idle() {
		t.Errorf("controller = %+v, want idle", env.ctrl.Status())
	}
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "uploads_total 0\n")
	})
	env := newTestEnv(t, testConfig(t), WithMetrics(metrics))

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "uploads_total") {
		t.Errorf("GET /metrics = %d %q", resp.StatusCode, body)
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	env := newTestEnv(t, cfg)

	codes := make([]int, 2)
	for i := range codes {
		resp, err := http.Get(env.ts.URL + "/")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes[i] = resp.StatusCode
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("statuses = %v, want [200 429]", codes)
	}
}

func TestServer_SecurityHeaders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.EnableCSP = true
	env := newTestEnv(t, cfg)

	resp, err := http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := resp.Header.Get("Content-Security-Policy"); got == "" {
		t.Error("missing Content-Security-Policy")
	}
}

func TestReasonFor(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want core.Reason
	}{
		{"clean", context.Background(), nil, core.ReasonCompleted},
		{"client gone", cancelled, io.ErrUnexpectedEOF, core.ReasonClientAbort},
		{"gone while parked", context.Background(), errParkAborted, core.ReasonClientAbort},
		{"deadline", context.Background(), fmt.Errorf("read: %w", os.ErrDeadlineExceeded), core.ReasonTimeout},
		{"malformed", context.Background(), errors.New("multipart: NextPart: bad boundary"), core.ReasonError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reasonFor(tt.ctx, tt.err); got != tt.want {
				t.Errorf("reasonFor = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	env := newTestEnv(t, testConfig(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- env.srv.Serve(ln) }()

	waitFor(t, "server to answer", func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve error = %v, want ErrServerClosed", err)
	}

	// A closed server refuses to start again.
	ln2, _ := net.Listen("tcp", "127.0.0.1:0")
	if err := env.srv.Serve(ln2); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve after Shutdown = %v, want ErrServerClosed", err)
	}
}
