package apiclient

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/mediaanalyzer/internal/model"
	"github.com/hitoshi/mediaanalyzer/internal/security"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, ts.Client(), security.NewURLGuard(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, ts
}

func TestNewClient_InvalidBaseURL_ReturnsError(t *testing.T) {
	for _, raw := range []string{"", "localhost:3000/api", "::bad"} {
		if _, err := NewClient(raw, nil, nil, slog.Default(), nil); err == nil {
			t.Errorf("NewClient(%q) expected error, got nil", raw)
		}
	}
}

func TestClient_Login_Success_ReturnsUser(t *testing.T) {
	var gotBody Credentials
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"user":{"id":1}}`))
	}))

	jar, err := c.NewJar(nil)
	if err != nil {
		t.Fatalf("NewJar() error = %v", err)
	}

	user, err := c.Login(t.Context(), jar, Credentials{Email: "a@b.com", Password: "x"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if user.ID() != "1" {
		t.Errorf("user.ID() = %q, want %q", user.ID(), "1")
	}
	if gotBody.Email != "a@b.com" || gotBody.Password != "x" {
		t.Errorf("request body = %+v, want email a@b.com / password x", gotBody)
	}
}

func TestClient_Login_Failure_ReturnsServerMessage(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid credentials"}`))
	}))
	jar, _ := c.NewJar(nil)

	_, err := c.Login(t.Context(), jar, Credentials{Email: "a@b.com", Password: "wrong"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error should be *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusUnauthorized)
	}
	if got := ServerMessage(err); got != "Invalid credentials" {
		t.Errorf("ServerMessage() = %q, want %q", got, "Invalid credentials")
	}
}

func TestClient_Login_FailureWithoutJSON_HasEmptyServerMessage(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	jar, _ := c.NewJar(nil)

	_, err := c.Login(t.Context(), jar, Credentials{Email: "a@b.com", Password: "x"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := ServerMessage(err); got != "" {
		t.Errorf("ServerMessage() = %q, want empty", got)
	}
}

func TestClient_Jar_CookiesRoundTrip(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			http.SetCookie(w, &http.Cookie{Name: "connect.sid", Value: "remote-abc", Path: "/"})
			w.Write([]byte(`{"user":{"id":"u-1","email":"a@b.com"}}`))
		case "/api/auth/status":
			ck, err := r.Cookie("connect.sid")
			if err != nil || ck.Value != "remote-abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"user":{"id":"u-1","email":"a@b.com"}}`))
		}
	}))

	jar, _ := c.NewJar(nil)
	if _, err := c.Login(t.Context(), jar, Credentials{Email: "a@b.com", Password: "password1"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	saved := c.ExportCookies(jar)
	if len(saved) != 1 || saved[0].Name != "connect.sid" || saved[0].Value != "remote-abc" {
		t.Fatalf("ExportCookies() = %+v, want connect.sid=remote-abc", saved)
	}

	// 保存したCookieから復元したJarで認証状態を確認できること
	restored, err := c.NewJar(saved)
	if err != nil {
		t.Fatalf("NewJar() error = %v", err)
	}
	user, err := c.Status(t.Context(), restored)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if user.Email() != "a@b.com" {
		t.Errorf("user.Email() = %q, want %q", user.Email(), "a@b.com")
	}
}

func TestClient_Status_Unauthorized_ReturnsError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	jar, _ := c.NewJar(nil)

	user, err := c.Status(t.Context(), jar)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if user != nil {
		t.Errorf("user = %+v, want nil", user)
	}
}

func TestClient_Status_NullUser_ReturnsNil(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user":null}`))
	}))
	jar, _ := c.NewJar(nil)

	user, err := c.Status(t.Context(), jar)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if user != nil {
		t.Errorf("user = %+v, want nil", user)
	}
}

func TestClient_Register_SuccessIgnoresBody(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/register" {
			t.Errorf("path = %q, want /api/auth/register", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	jar, _ := c.NewJar(nil)

	if err := c.Register(t.Context(), jar, Credentials{Email: "a@b.com", Password: "password1"}); err != nil {
		t.Errorf("Register() error = %v", err)
	}
}

func TestClient_Register_Conflict_ReturnsServerMessage(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"Email already registered"}`))
	}))
	jar, _ := c.NewJar(nil)

	err := c.Register(t.Context(), jar, Credentials{Email: "a@b.com", Password: "password1"})
	if got := ServerMessage(err); got != "Email already registered" {
		t.Errorf("ServerMessage() = %q, want %q", got, "Email already registered")
	}
}

func TestClient_Logout_NonSuccess_ReturnsError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/logout" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	jar, _ := c.NewJar(nil)

	if err := c.Logout(t.Context(), jar); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestClient_Analyze_Image_SendsMultipartAndReadsAltText(t *testing.T) {
	data := []byte{0xff, 0xd8, 0xff, 0xe0, 'j', 'p', 'g'}

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/images/generate-alt-text/upload" {
			t.Errorf("path = %q, want image endpoint", r.URL.Path)
		}
		if len(r.Cookies()) != 0 {
			t.Errorf("analysis request should not carry cookies, got %v", r.Cookies())
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile(image) error = %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		got, _ := io.ReadAll(file)
		if string(got) != string(data) {
			t.Errorf("uploaded bytes = %v, want %v", got, data)
		}
		if header.Filename != "cat.jpg" {
			t.Errorf("filename = %q, want %q", header.Filename, "cat.jpg")
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type = %q, want image/jpeg", ct)
		}
		w.Write([]byte(`{"altText":"A cat.","downloadLink":"/r/1"}`))
	}))

	result, err := c.Analyze(t.Context(), &model.Media{
		Kind: model.MediaImage, ContentType: "image/jpeg", Filename: "cat.jpg", Data: data,
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if result.Text != "A cat." {
		t.Errorf("Text = %q, want %q", result.Text, "A cat.")
	}
	if result.DownloadPath != "/r/1" {
		t.Errorf("DownloadPath = %q, want %q", result.DownloadPath, "/r/1")
	}
}

func TestClient_Analyze_Video_ReadsDescription(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/videos/upload-video" {
			t.Errorf("path = %q, want video endpoint", r.URL.Path)
		}
		if _, _, err := r.FormFile("video"); err != nil {
			t.Errorf("FormFile(video) error = %v", err)
		}
		w.Write([]byte(`{"description":"# Scene\nA dog runs."}`))
	}))

	result, err := c.Analyze(t.Context(), &model.Media{
		Kind: model.MediaVideo, ContentType: "video/mp4", Data: []byte("mp4"),
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if result.Text != "# Scene\nA dog runs." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.HasDownload() {
		t.Error("result without downloadLink should not have a download")
	}
}

func TestClient_Analyze_ServerError_ReturnsError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Analyze(t.Context(), &model.Media{Kind: model.MediaImage, ContentType: "image/png", Data: []byte("png")})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("Analyze() error = %v, want *Error with status 500", err)
	}
}

func TestClient_DownloadReport_Success(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/1" {
			t.Errorf("path = %q, want /r/1", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("report body"))
	}))

	report, err := c.DownloadReport(t.Context(), "/r/1")
	if err != nil {
		t.Fatalf("DownloadReport() error = %v", err)
	}
	if string(report.Data) != "report body" {
		t.Errorf("Data = %q, want %q", report.Data, "report body")
	}
	if !strings.HasPrefix(report.ContentType, "text/plain") {
		t.Errorf("ContentType = %q, want text/plain", report.ContentType)
	}
}

func TestClient_DownloadReport_OtherOrigin_Rejected(t *testing.T) {
	called := false
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	if _, err := c.DownloadReport(t.Context(), "http://evil.example.com/r/1"); err == nil {
		t.Error("expected error for cross-origin link, got nil")
	}
	if called {
		t.Error("no request should be sent for a rejected link")
	}
}

func TestClient_DownloadReport_EmptyLink(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())

	if _, err := c.DownloadReport(t.Context(), ""); !errors.Is(err, ErrNoDownloadPath) {
		t.Errorf("error = %v, want ErrNoDownloadPath", err)
	}
}

func TestClient_DownloadReport_NotFound_ReturnsError(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())

	if _, err := c.DownloadReport(t.Context(), "/r/missing"); err == nil {
		t.Error("expected error for 404, got nil")
	}
}
