package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"medot/internal/app"
	"medot/internal/backend"
	"medot/internal/config"
	"medot/internal/events"
	"medot/internal/httputil"
	"medot/internal/panel"
	"medot/internal/session"
	"medot/internal/web"
)

type testServer struct {
	handler http.Handler
	client  *backend.MockClient
	cookie  *http.Cookie
}

func newTestServer(t *testing.T, surfaceFailures bool) *testServer {
	t.Helper()
	store, err := session.NewMemoryStore(16)
	require.NoError(t, err)
	return newTestServerWithStore(t, store, surfaceFailures)
}

func newTestServerWithStore(t *testing.T, store session.Store, surfaceFailures bool) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := new(backend.MockClient)
	renderer, err := web.NewRenderer()
	require.NoError(t, err)

	deps := app.Deps{
		Config: config.Config{
			MaxUploadSize:   1024 * 1024, // 1MB for tests
			SurfaceFailures: surfaceFailures,
		},
		Log:      log,
		Backend:  client,
		Sessions: store,
		Events:   events.Noop{},
		Panel:    panel.New(client, store, events.Noop{}, log),
	}
	return &testServer{handler: newRouter(deps, renderer), client: client}
}

// do sends req with the session cookie, capturing the cookie on first use.
func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.Name == httputil.SessionCookie {
			s.cookie = c
		}
	}
	return w
}

func (s *testServer) page(t *testing.T) string {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func (s *testServer) state(t *testing.T) stateResponse {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodGet, "/api/panel", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st stateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st
}

func queryForm(query string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(url.Values{"query": {query}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func createMultipartRequest(method, target, filename, contentType string, content []byte) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename)}
	if contentType != "" {
		h["Content-Type"] = []string{contentType}
	}

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

func TestPageRendersEmptyPanel(t *testing.T) {
	s := newTestServer(t, false)

	page := s.page(t)
	assert.Contains(t, page, "🩺 MeDot")
	assert.Contains(t, page, "질문을 입력하세요")
	require.NotNil(t, s.cookie, "first visit starts a session")
}

func TestQuerySubmission(t *testing.T) {
	s := newTestServer(t, false)
	s.page(t)

	s.client.On("Chat", mock.Anything, "두통이 심해요").Return("X", nil).Once()
	w := s.do(queryForm("두통이 심해요"))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	page := s.page(t)
	assert.Contains(t, page, `<p data-slot="response">X</p>`)
	assert.Contains(t, page, `value="두통이 심해요"`)
	s.client.AssertExpectations(t)
}

func TestAudioSubmission(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		wantType    string
	}{
		{"declared content type", "visit.m4a", "audio/mp4", "audio/mp4"},
		{"no declared content type", "visit.wav", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, false)
			s.page(t)

			s.client.On("SummarizeAudio", mock.Anything, mock.MatchedBy(func(a backend.Audio) bool {
				return a.Filename == tt.filename && strings.HasPrefix(a.ContentType, tt.wantType) && string(a.Data) == "audio-bytes"
			})).Return("Y", nil).Twice()

			req, err := createMultipartRequest(http.MethodPost, "/audio", tt.filename, tt.contentType, []byte("audio-bytes"))
			require.NoError(t, err)
			w := s.do(req)
			assert.Equal(t, http.StatusSeeOther, w.Code)
			assert.Contains(t, s.page(t), `<p data-slot="response">Y</p>`)

			// The picked file stays selected, so an empty picker resubmits it.
			req = httptest.NewRequest(http.MethodPost, "/audio", nil)
			w = s.do(req)
			assert.Equal(t, http.StatusSeeOther, w.Code)

			s.client.AssertExpectations(t)
		})
	}
}

func TestAudioSubmissionWithoutFile(t *testing.T) {
	s := newTestServer(t, false)
	s.page(t)

	req, err := createMultipartRequest(http.MethodPost, "/audio", "", "", nil)
	require.NoError(t, err)
	w := s.do(req)
	assert.Equal(t, http.StatusSeeOther, w.Code)

	page := s.page(t)
	assert.Contains(t, page, panel.MissingFileNotice)
	s.client.AssertNotCalled(t, "SummarizeAudio", mock.Anything, mock.Anything)
}

func TestAudioSubmissionTooLarge(t *testing.T) {
	s := newTestServer(t, false)

	req, err := createMultipartRequest(http.MethodPost, "/audio", "long.wav", "audio/wav", make([]byte, 2*1024*1024))
	require.NoError(t, err)
	w := s.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	s.client.AssertNotCalled(t, "SummarizeAudio", mock.Anything, mock.Anything)
}

func TestBackendFailureKeepsResponse(t *testing.T) {
	for _, surface := range []bool{false, true} {
		t.Run(fmt.Sprintf("surface=%v", surface), func(t *testing.T) {
			s := newTestServer(t, surface)
			s.page(t)

			s.client.On("Chat", mock.Anything, "q").Return("first", nil).Once()
			s.do(queryForm("q"))
			s.client.On("Chat", mock.Anything, "q").Return("", &backend.StatusError{Code: 500, Body: "boom"}).Once()
			w := s.do(queryForm("q"))
			assert.Equal(t, http.StatusSeeOther, w.Code)

			page := s.page(t)
			assert.Contains(t, page, `<p data-slot="response">first</p>`)
			if surface {
				assert.Contains(t, page, "backend returned status 500: boom")
			} else {
				assert.NotContains(t, page, "boom")
			}

			st := s.state(t)
			require.NotNil(t, st.Failure)
			assert.Equal(t, session.FailureStatus, st.Failure.Kind)
		})
	}
}

func TestReset(t *testing.T) {
	s := newTestServer(t, false)
	s.page(t)
	s.client.On("Chat", mock.Anything, "q").Return("answer", nil).Once()
	s.do(queryForm("q"))

	w := s.do(httptest.NewRequest(http.MethodPost, "/reset", nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, stateResponse{}, s.state(t))
}

func TestSessionsAreIsolated(t *testing.T) {
	s := newTestServer(t, false)
	s.page(t)
	s.client.On("Chat", mock.Anything, "q").Return("mine", nil).Once()
	s.do(queryForm("q"))

	other := &testServer{handler: s.handler, client: s.client}
	assert.NotContains(t, other.page(t), "mine")
}

const kioskSession = "8f14e45f-ceea-467a-9b1c-5f8a3b2f0c11"

func TestSubmissionNotRecorded(t *testing.T) {
	storeErr := errors.New("redis: connection pool timeout")
	audio := func() *http.Request {
		req, err := createMultipartRequest(http.MethodPost, "/audio", "a.wav", "audio/wav", []byte("abc"))
		require.NoError(t, err)
		return req
	}

	tests := []struct {
		name    string
		request func() *http.Request
		answer  func(*backend.MockClient)
	}{
		{
			name:    "query form",
			request: func() *http.Request { return queryForm("q") },
			answer:  func(c *backend.MockClient) { c.On("Chat", mock.Anything, "q").Return("answer", nil).Once() },
		},
		{
			name:    "audio form",
			request: audio,
			answer: func(c *backend.MockClient) {
				c.On("SummarizeAudio", mock.Anything, mock.Anything).Return("summary", nil).Once()
			},
		},
		{
			name:    "chat api",
			request: func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/panel/chat", nil) },
			answer:  func(c *backend.MockClient) { c.On("Chat", mock.Anything, "q").Return("answer", nil).Once() },
		},
		{
			name:    "chat api with backend failure",
			request: func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/panel/chat", nil) },
			answer: func(c *backend.MockClient) {
				c.On("Chat", mock.Anything, "q").Return("", &backend.StatusError{Code: 503}).Once()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(session.MockStore)
			store.On("Load", mock.Anything, kioskSession).Return(session.State{
				Query: "q",
				File:  &session.File{Name: "a.wav", Data: []byte("abc")},
			}, nil)
			// Edits succeed; writing the outcome does not.
			store.On("Save", mock.Anything, kioskSession, mock.MatchedBy(func(p session.Patch) bool {
				return p.IfGeneration == nil
			})).Return(nil)
			store.On("Save", mock.Anything, kioskSession, mock.MatchedBy(func(p session.Patch) bool {
				return p.IfGeneration != nil
			})).Return(storeErr)

			s := newTestServerWithStore(t, store, false)
			tt.answer(s.client)
			req := tt.request()
			req.Header.Set(httputil.SessionHeader, kioskSession)
			w := s.do(req)

			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.Contains(t, w.Body.String(), "submission failed")
			s.client.AssertExpectations(t)
		})
	}
}

func TestSessionHeaderMustBeUUID(t *testing.T) {
	s := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/panel", nil)
	req.Header.Set(httputil.SessionHeader, "kiosk-1")
	w := s.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI(t *testing.T) {
	s := newTestServer(t, false)
	header := func(req *http.Request) *http.Request {
		req.Header.Set(httputil.SessionHeader, kioskSession)
		return req
	}

	// Missing file is rejected locally.
	w := s.do(header(httptest.NewRequest(http.MethodPost, "/api/panel/summarize", nil)))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var st stateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, panel.MissingFileNotice, st.Notice)

	// Edit the query, then submit it.
	w = s.do(header(httptest.NewRequest(http.MethodPut, "/api/panel/query", strings.NewReader(`{"query":"어지러워요"}`))))
	assert.Equal(t, http.StatusOK, w.Code)
	s.client.On("Chat", mock.Anything, "어지러워요").Return("X", nil).Once()
	w = s.do(header(httptest.NewRequest(http.MethodPost, "/api/panel/chat", nil)))
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "X", st.Response)
	assert.Equal(t, "어지러워요", st.Query)

	// Select a file, then summarize with a failing backend.
	req, err := createMultipartRequest(http.MethodPut, "/api/panel/file", "a.wav", "audio/wav", []byte("abc"))
	require.NoError(t, err)
	w = s.do(header(req))
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.NotNil(t, st.SelectedFile)
	assert.Equal(t, fileResponse{Name: "a.wav", ContentType: "audio/wav", Size: 3}, *st.SelectedFile)
	assert.Empty(t, st.Notice)

	s.client.On("SummarizeAudio", mock.Anything, mock.Anything).Return("", fmt.Errorf("summarize audio: %w", backend.ErrTransport)).Once()
	w = s.do(header(httptest.NewRequest(http.MethodPost, "/api/panel/summarize", nil)))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "X", st.Response)
	require.NotNil(t, st.Failure)
	assert.Equal(t, session.FailureTransport, st.Failure.Kind)

	// Selecting needs a file.
	w = s.do(header(httptest.NewRequest(http.MethodPut, "/api/panel/file", nil)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(header(httptest.NewRequest(http.MethodPut, "/api/panel/query", strings.NewReader(`not json`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(header(httptest.NewRequest(http.MethodDelete, "/api/panel", nil)))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, s.cookie, "headless clients never get a cookie")

	s.client.AssertExpectations(t)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
