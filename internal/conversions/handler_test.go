package conversions_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"himan-converter/internal/bootstrap"
	"himan-converter/internal/conversions"
	"himan-converter/internal/shared/config"
)

type viewBody struct {
	SessionID    string `json:"sessionId"`
	Phase        string `json:"phase"`
	ConversionID string `json:"conversionId"`
	Selection    *struct {
		FileName string `json:"fileName"`
	} `json:"selection"`
	Result *struct {
		OriginalName  string `json:"originalName"`
		ConvertedName string `json:"convertedName"`
		Recipient     string `json:"recipient"`
		ResultURL     string `json:"resultUrl"`
	} `json:"result"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestApp(t *testing.T) *bootstrap.App {
	t.Helper()
	gin.SetMode(gin.TestMode)

	app, err := bootstrap.Build(config.Config{
		Port:            "0",
		CORSAllowOrigin: []string{"http://localhost:5173"},
		LocalStoreDir:   t.TempDir(),
		Env:             "dev",
		ObjectStoreType: "local",
		PublicURL:       "https://himan.example",
		ConvertDelay:    5 * time.Millisecond,
		SendDelay:       5 * time.Millisecond,
		ResultTTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("bootstrap build: %v", err)
	}
	return app
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func sessionRequest(method, path, sessionID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Session-Id", sessionID)
	return req
}

func upload(t *testing.T, h http.Handler, sessionID, fileName, mimeType string, content []byte) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/selection", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Session-Id", sessionID)
	resp := do(t, h, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
}

func readView(t *testing.T, h http.Handler, sessionID string) viewBody {
	t.Helper()
	resp := do(t, h, sessionRequest(http.MethodGet, "/api/v1/session", sessionID))
	if resp.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d", resp.Code)
	}
	var view viewBody
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func waitForPhase(t *testing.T, h http.Handler, sessionID, phase string) viewBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view := readView(t, h, sessionID)
		if view.Phase == phase {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached phase %s", sessionID, phase)
	return viewBody{}
}

func TestConversionEndToEnd(t *testing.T) {
	app := newTestApp(t)
	router := app.Router
	content := []byte("original upload bytes")

	upload(t, router, "session-e2e", "report.pdf", "application/pdf", content)

	view := readView(t, router, "session-e2e")
	if view.Phase != string(conversions.PhaseIdle) || view.Selection == nil {
		t.Fatalf("expected idle view with selection, got %+v", view)
	}

	submit := do(t, router, sessionRequest(http.MethodPost, "/api/v1/conversions", "session-e2e"))
	if submit.Code != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d: %s", submit.Code, submit.Body.String())
	}
	var started struct {
		ConversionID string `json:"conversionId"`
		Phase        string `json:"phase"`
	}
	if err := json.NewDecoder(submit.Body).Decode(&started); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if started.Phase != string(conversions.PhaseConverting) {
		t.Fatalf("expected converting, got %s", started.Phase)
	}

	again := do(t, router, sessionRequest(http.MethodPost, "/api/v1/conversions", "session-e2e"))
	if again.Code != http.StatusConflict {
		t.Fatalf("second submit: expected 409, got %d", again.Code)
	}

	done := waitForPhase(t, router, "session-e2e", string(conversions.PhaseSucceeded))
	if done.ConversionID != started.ConversionID {
		t.Fatalf("expected conversion %s, got %s", started.ConversionID, done.ConversionID)
	}
	if done.Selection != nil {
		t.Fatalf("submitted selection should be consumed, got %+v", done.Selection)
	}
	if done.Result == nil {
		t.Fatal("expected result in succeeded view")
	}
	if done.Result.ConvertedName != "report.cdr" || done.Result.OriginalName != "report.pdf" {
		t.Fatalf("unexpected names: %+v", done.Result)
	}
	if done.Result.Recipient != conversions.DefaultRecipient {
		t.Fatalf("unexpected recipient %s", done.Result.Recipient)
	}

	get := do(t, router, sessionRequest(http.MethodGet, "/api/v1/conversions/"+started.ConversionID, "session-e2e"))
	if get.Code != http.StatusOK {
		t.Fatalf("get conversion: expected 200, got %d", get.Code)
	}
	foreign := do(t, router, sessionRequest(http.MethodGet, "/api/v1/conversions/"+started.ConversionID, "someone-else"))
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("foreign get: expected 404, got %d", foreign.Code)
	}

	dl := do(t, router, sessionRequest(http.MethodGet, done.Result.ResultURL, "session-e2e"))
	if dl.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d: %s", dl.Code, dl.Body.String())
	}
	if got := dl.Header().Get("Content-Disposition"); got != `attachment; filename="report.cdr"` {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
	payload, _ := io.ReadAll(dl.Body)
	if !bytes.Equal(payload, content) {
		t.Fatalf("download should return the original bytes, got %q", payload)
	}

	blocked := do(t, router, sessionRequest(http.MethodDelete, "/api/v1/selection", "session-e2e"))
	if blocked.Code != http.StatusConflict {
		t.Fatalf("selection change while succeeded: expected 409, got %d", blocked.Code)
	}

	reset := do(t, router, sessionRequest(http.MethodPost, "/api/v1/session/reset", "session-e2e"))
	if reset.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", reset.Code)
	}
	var idle viewBody
	if err := json.NewDecoder(reset.Body).Decode(&idle); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if idle.Phase != string(conversions.PhaseIdle) || idle.Result != nil || idle.ConversionID != "" {
		t.Fatalf("expected bare idle view, got %+v", idle)
	}

	gone := do(t, router, sessionRequest(http.MethodGet, done.Result.ResultURL, "session-e2e"))
	if gone.Code != http.StatusNotFound {
		t.Fatalf("download after reset: expected 404, got %d", gone.Code)
	}

	upload(t, router, "session-e2e", "next.png", "image/png", []byte("png"))
}

func TestSubmitWithoutSelection(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app.Router, sessionRequest(http.MethodPost, "/api/v1/conversions", "session-none"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "no_selection" {
		t.Fatalf("expected no_selection, got %s", body.Error.Code)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 2; i++ {
		resp := do(t, app.Router, sessionRequest(http.MethodPost, "/api/v1/session/reset", "session-reset"))
		if resp.Code != http.StatusOK {
			t.Fatalf("reset %d: expected 200, got %d", i, resp.Code)
		}
	}
	if view := readView(t, app.Router, "session-reset"); view.Phase != string(conversions.PhaseIdle) {
		t.Fatalf("expected idle, got %s", view.Phase)
	}
}

func TestDownloadUnknownToken(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app.Router, sessionRequest(http.MethodGet, "/api/v1/results/does-not-exist", "session-x"))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestShare(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app.Router, sessionRequest(http.MethodGet, "/api/v1/share", "session-share"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var share conversions.ShareInfo
	if err := json.NewDecoder(resp.Body).Decode(&share); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := conversions.ShareInfo{
		Title: conversions.DefaultShareTitle,
		Text:  conversions.DefaultShareText,
		URL:   "https://himan.example",
	}
	if share != want {
		t.Fatalf("expected %+v, got %+v", want, share)
	}
}

func TestSessionHeaderIsEchoed(t *testing.T) {
	app := newTestApp(t)

	resp := do(t, app.Router, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	issued := resp.Header().Get("X-Session-Id")
	if issued == "" {
		t.Fatal("expected an issued session id")
	}
	var view viewBody
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.SessionID != issued {
		t.Fatalf("expected view for %s, got %s", issued, view.SessionID)
	}
}
