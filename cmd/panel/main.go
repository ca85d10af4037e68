package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"medot/internal/app"
	"medot/internal/httputil"
	"medot/internal/panel"
	"medot/internal/session"
	"medot/internal/web"
)

// Form field carrying the recording, shared by the page form and the API.
const fileField = "file"

type queryPayload struct {
	Query string `json:"query"`
}

type fileResponse struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

type failureResponse struct {
	Kind    session.FailureKind `json:"kind"`
	Message string              `json:"message"`
}

type stateResponse struct {
	Query        string           `json:"query"`
	Response     string           `json:"response"`
	SelectedFile *fileResponse    `json:"selected_file"`
	Notice       string           `json:"notice,omitempty"`
	Failure      *failureResponse `json:"failure"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Log.Warn("failed to release dependencies", "err", err)
		}
	}()

	renderer, err := web.NewRenderer()
	if err != nil {
		deps.Log.Error("failed to parse templates", "err", err)
		return
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           newRouter(deps, renderer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.Log.Info("panel listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		deps.Log.Error("server failed", "err", err)
	}
}

func newRouter(deps app.Deps, renderer *web.Renderer) http.Handler {
	r := httputil.NewRouter(deps.Log)

	r.Get("/healthz", httputil.HealthHandler(deps))
	r.Group(func(r chi.Router) {
		r.Use(httputil.Sessions)

		r.Get("/", pageHandler(deps, renderer))
		r.Post("/query", querySubmitHandler(deps))
		r.Post("/audio", audioSubmitHandler(deps))
		r.Post("/reset", resetHandler(deps))

		r.Route("/api/panel", func(r chi.Router) {
			r.Get("/", stateHandler(deps))
			r.Delete("/", apiResetHandler(deps))
			r.Put("/query", apiQueryHandler(deps))
			r.Post("/chat", apiChatHandler(deps))
			r.Put("/file", apiFileHandler(deps))
			r.Post("/summarize", apiSummarizeHandler(deps))
		})
	})
	return r
}

func pageHandler(deps app.Deps, renderer *web.Renderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := deps.Panel.View(r.Context(), httputil.SessionID(r.Context()))
		if err != nil {
			httputil.Fail(deps.Log, w, r, "failed to load panel", err, http.StatusInternalServerError)
			return
		}
		var buf bytes.Buffer
		if err := renderer.Render(&buf, web.NewView(state, deps.Config.SurfaceFailures)); err != nil {
			httputil.Fail(deps.Log, w, r, "failed to render panel", err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := buf.WriteTo(w); err != nil {
			deps.Log.Warn("failed to write panel", "err", err)
		}
	}
}

func querySubmitHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := httputil.SessionID(r.Context())
		if err := r.ParseForm(); err != nil {
			httputil.Fail(deps.Log, w, r, "invalid form", err, http.StatusBadRequest)
			return
		}
		if err := deps.Panel.SetQuery(r.Context(), sid, r.PostFormValue("query")); err != nil {
			httputil.Fail(deps.Log, w, r, "failed to save query", err, http.StatusInternalServerError)
			return
		}
		// A recorded outcome lands in the session slots and shows after the redirect.
		if err := deps.Panel.SubmitText(submissionContext(r), sid); !panel.Recorded(err) {
			httputil.Fail(deps.Log, w, r, "submission failed", err, http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func audioSubmitHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := httputil.SessionID(r.Context())
		file, ok, err := readUpload(w, r, deps.Config.MaxUploadSize)
		if err != nil {
			failUpload(deps, w, r, err)
			return
		}
		if ok {
			if err := deps.Panel.SelectFile(r.Context(), sid, file); err != nil {
				httputil.Fail(deps.Log, w, r, "failed to save file", err, http.StatusInternalServerError)
				return
			}
		}
		if err := deps.Panel.SubmitFile(submissionContext(r), sid); !panel.Recorded(err) {
			httputil.Fail(deps.Log, w, r, "submission failed", err, http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func resetHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Panel.Reset(r.Context(), httputil.SessionID(r.Context())); err != nil {
			httputil.Fail(deps.Log, w, r, "failed to reset panel", err, http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func stateHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeState(deps, w, r, http.StatusOK)
	}
}

func apiResetHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Panel.Reset(r.Context(), httputil.SessionID(r.Context())); err != nil {
			httputil.Fail(deps.Log, w, r, "failed to reset panel", err, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func apiQueryHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload queryPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httputil.Fail(deps.Log, w, r, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := deps.Panel.SetQuery(r.Context(), httputil.SessionID(r.Context()), payload.Query); err != nil {
			httputil.Fail(deps.Log, w, r, "failed to save query", err, http.StatusInternalServerError)
			return
		}
		writeState(deps, w, r, http.StatusOK)
	}
}

func apiChatHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Panel.SubmitText(submissionContext(r), httputil.SessionID(r.Context()))
		writeSubmission(deps, w, r, err)
	}
}

func apiFileHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, ok, err := readUpload(w, r, deps.Config.MaxUploadSize)
		if err != nil {
			failUpload(deps, w, r, err)
			return
		}
		if !ok {
			httputil.Fail(deps.Log, w, r, "file is required", nil, http.StatusBadRequest)
			return
		}
		if err := deps.Panel.SelectFile(r.Context(), httputil.SessionID(r.Context()), file); err != nil {
			httputil.Fail(deps.Log, w, r, "failed to save file", err, http.StatusInternalServerError)
			return
		}
		writeState(deps, w, r, http.StatusOK)
	}
}

func apiSummarizeHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Panel.SubmitFile(submissionContext(r), httputil.SessionID(r.Context()))
		writeSubmission(deps, w, r, err)
	}
}

// submissionContext keeps a submission running when the browser goes away,
// like a fetch that outlives the button click.
func submissionContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func writeSubmission(deps app.Deps, w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case !panel.Recorded(err):
		httputil.Fail(deps.Log, w, r, "submission failed", err, http.StatusInternalServerError)
	case err == nil:
		writeState(deps, w, r, http.StatusOK)
	case errors.Is(err, panel.ErrNoFileSelected):
		writeState(deps, w, r, http.StatusUnprocessableEntity)
	default:
		writeState(deps, w, r, http.StatusBadGateway)
	}
}

func writeState(deps app.Deps, w http.ResponseWriter, r *http.Request, status int) {
	state, err := deps.Panel.View(r.Context(), httputil.SessionID(r.Context()))
	if err != nil {
		httputil.Fail(deps.Log, w, r, "failed to load panel", err, http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, status, toStateResponse(state))
}

func toStateResponse(state session.State) stateResponse {
	resp := stateResponse{
		Query:    state.Query,
		Response: state.Response,
		Notice:   state.Notice,
	}
	if state.File != nil {
		resp.SelectedFile = &fileResponse{
			Name:        state.File.Name,
			ContentType: state.File.ContentType,
			Size:        len(state.File.Data),
		}
	}
	if state.HasFailure() {
		resp.Failure = &failureResponse{Kind: state.Failure.Kind, Message: state.Failure.Message}
	}
	return resp
}

// readUpload reads the recording from a multipart body. ok is false when the
// form carried no file, which is how a browser posts an empty file picker.
func readUpload(w http.ResponseWriter, r *http.Request, maxSize int64) (session.File, bool, error) {
	// Validate size before parsing
	if r.ContentLength > maxSize {
		return session.File{}, false, &http.MaxBytesError{Limit: maxSize}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return session.File{}, false, nil
		}
		return session.File{}, false, err
	}

	f, header, err := r.FormFile(fileField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return session.File{}, false, nil
		}
		return session.File{}, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return session.File{}, false, err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}
	return session.File{Name: header.Filename, ContentType: contentType, Data: data}, true, nil
}

func failUpload(deps app.Deps, w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httputil.Fail(deps.Log, w, r, fmt.Sprintf("file too large (max %d bytes)", tooLarge.Limit), err, http.StatusRequestEntityTooLarge)
		return
	}
	httputil.Fail(deps.Log, w, r, "failed to read upload", err, http.StatusBadRequest)
}
