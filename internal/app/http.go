package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"rubyeditor/api/internal/auth"
	"rubyeditor/api/internal/document"
	"rubyeditor/api/internal/export"
	"rubyeditor/api/internal/rbac"
	"rubyeditor/api/internal/share"
	"rubyeditor/api/internal/store"
	"rubyeditor/api/internal/versioning"
)

const maxUploadBytes = 25 << 20

type HTTPServer struct {
	service    *Service
	verifier   auth.Verifier
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, verifier auth.Verifier, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, verifier: verifier, corsOrigin: corsOrigin, log: log.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)

	r.Get("/share/{token}", s.handleShareView)
	r.Post("/share/{token}", s.handleShareView)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(s.requireActor)

			r.Get("/editor/settings", s.handleEditorSettings)
			r.With(s.allow(rbac.ActionRead)).Get("/links/search", s.handleLinkSearch)
			r.With(s.allow(rbac.ActionShare)).Post("/share", s.handleCreateShare)
			r.With(s.allow(rbac.ActionShare)).Delete("/share/{shareId}", s.handleRevokeShare)

			r.Route("/documents/{id}", func(r chi.Router) {
				read := r.With(s.allow(rbac.ActionRead))
				write := r.With(s.allow(rbac.ActionWrite))
				remove := r.With(s.allow(rbac.ActionDelete))

				read.Get("/", s.handleGetDocument)
				write.Put("/content", s.handleSaveContent)

				read.Get("/versions", s.handleListVersions)
				read.Get("/versions/{n}", s.handleGetVersion)
				write.Post("/versions/{n}/restore", s.handleRestoreVersion)
				read.Get("/compare", s.handleCompare)

				read.Get("/assets", s.handleListAssets)
				write.Post("/assets", s.handleUploadAsset)
				remove.Delete("/assets/{assetId}", s.handleDeleteAsset)

				read.Get("/links", s.handleListLinks)
				write.Post("/links", s.handleCreateLink)
				remove.Delete("/links/{linkId}", s.handleDeleteLink)

				read.Get("/export", s.handleExport)
				r.With(s.allow(rbac.ActionShare)).Post("/share", s.handleRequestShare)
				read.Get("/events", s.handleEvents)
			})
		})
	})

	origins := strings.Split(s.corsOrigin, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "Last-Event-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
	}).Handler(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleEditorSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.service.EditorSettings()
	writeJSON(w, http.StatusOK, map[string]any{
		"autosaveIntervalMs": settings.AutosaveInterval.Milliseconds(),
		"maxUploadBytes":     settings.MaxUploadBytes,
	})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	doc, err := s.service.LoadDocument(r.Context(), actor.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var body struct {
		Title        string          `json:"title"`
		Content      json.RawMessage `json:"content"`
		BaseRevision int64           `json:"baseRevision"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SaveDocument(r.Context(), SaveInput{
		TenantID:     actor.TenantID,
		DocumentID:   chi.URLParam(r, "id"),
		UserID:       actor.UserID,
		Title:        body.Title,
		Content:      body.Content,
		BaseRevision: body.BaseRevision,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	versions, err := s.service.History(r.Context(), actor.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionView(v, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	number, ok := versionParam(w, r)
	if !ok {
		return
	}
	v, err := s.service.Version(r.Context(), actor.TenantID, chi.URLParam(r, "id"), number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versionView(v, true))
}

func (s *HTTPServer) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	number, ok := versionParam(w, r)
	if !ok {
		return
	}
	result, err := s.service.RestoreVersion(r.Context(), actor.TenantID, chi.URLParam(r, "id"), number, actor.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCompare(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	from, err := optionalInt(r.URL.Query().Get("from"), versioning.Current)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "from must be a version number", nil)
		return
	}
	to, err := optionalInt(r.URL.Query().Get("to"), versioning.Current)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "to must be a version number", nil)
		return
	}
	comparison, err := s.service.Compare(r.Context(), actor.TenantID, chi.URLParam(r, "id"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comparison)
}

func (s *HTTPServer) handleListAssets(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	items, err := s.service.ListAssets(r.Context(), actor.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, assetView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleUploadAsset(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	asset, err := s.service.UploadAsset(r.Context(), UploadInput{
		TenantID:   actor.TenantID,
		DocumentID: chi.URLParam(r, "id"),
		UserID:     actor.UserID,
		Name:       header.Filename,
		MIME:       header.Header.Get("Content-Type"),
		Size:       header.Size,
		File:       file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assetView(asset))
}

func (s *HTTPServer) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	if _, err := s.service.DeleteAsset(r.Context(), actor.TenantID, chi.URLParam(r, "id"), chi.URLParam(r, "assetId")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListLinks(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	edges, err := s.service.DocumentLinks(r.Context(), actor.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": edges})
}

func (s *HTTPServer) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var body struct {
		TargetType string `json:"targetType"`
		TargetID   string `json:"targetId"`
		Relation   string `json:"relation"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	link, err := s.service.CreateLink(r.Context(), LinkInput{
		TenantID:   actor.TenantID,
		DocumentID: chi.URLParam(r, "id"),
		UserID:     actor.UserID,
		TargetType: body.TargetType,
		TargetID:   body.TargetID,
		Relation:   body.Relation,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, linkView(link))
}

func (s *HTTPServer) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	if _, err := s.service.DeleteLink(r.Context(), actor.TenantID, chi.URLParam(r, "id"), chi.URLParam(r, "linkId")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLinkSearch(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	query := r.URL.Query()
	items, err := s.service.SearchLinkTargets(r.Context(), actor.TenantID, query.Get("type"), query.Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	query := r.URL.Query()
	format, err := export.ParseFormat(query.Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts := watermarkOptions(query.Get("watermark"))
	result, err := s.service.Export(r.Context(), actor.TenantID, chi.URLParam(r, "id"), format, query.Get("filename"), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

type shareBody struct {
	DocID         string `json:"docId"`
	ExpiresInDays int    `json:"expiresInDays"`
	RequireAuth   bool   `json:"requireAuth"`
	Watermark     bool   `json:"watermark"`
	Password      string `json:"password"`
}

func (b shareBody) request() share.Request {
	return share.Request{
		DocID:         b.DocID,
		ExpiresInDays: b.ExpiresInDays,
		RequireAuth:   b.RequireAuth,
		Watermark:     b.Watermark,
		Password:      b.Password,
	}
}

func (s *HTTPServer) handleRequestShare(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var body shareBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.DocID = chi.URLParam(r, "id")
	resp, err := s.service.RequestShareLink(r.Context(), r.Header.Get("Authorization"), actor.TenantID, body.request())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var body shareBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resp, err := s.service.CreateShare(r.Context(), actor, body.request())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *HTTPServer) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	if err := s.service.RevokeShare(r.Context(), actor.TenantID, chi.URLParam(r, "shareId")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleShareView(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.identify(r)
	if err != nil {
		viewer = nil
	}
	page, err := s.service.OpenShare(r.Context(), chi.URLParam(r, "token"), r.FormValue("password"), viewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Robots-Tag", "noindex")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, page)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func versionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	number, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "INVALID_VERSION", "version must be a positive integer", nil)
		return 0, false
	}
	return number, true
}

func optionalInt(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "current") {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

// watermarkOptions reads ?watermark=: "true" stamps the default text, any
// other non-false value is used as the text itself.
func watermarkOptions(value string) export.PDFOptions {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "0", "false", "no":
		return export.PDFOptions{}
	case "1", "true", "yes":
		return export.PDFOptions{IncludeWatermark: true}
	}
	return export.PDFOptions{IncludeWatermark: true, WatermarkText: value}
}

func documentView(doc document.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"content":   doc.Content,
		"revision":  doc.Revision,
		"createdBy": doc.CreatedBy,
		"updatedBy": doc.UpdatedBy,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	}
}

func versionView(v store.Version, withContent bool) map[string]any {
	view := map[string]any{
		"id":        v.ID,
		"docId":     v.DocumentID,
		"version":   v.Number,
		"title":     v.Title,
		"createdBy": v.CreatedBy,
		"createdAt": v.CreatedAt,
	}
	if withContent {
		view["content"] = v.Content
	}
	return view
}

func assetView(a store.Asset) map[string]any {
	return map[string]any{
		"id":           a.ID,
		"docId":        a.DocumentID,
		"name":         a.Name,
		"mime":         a.MIME,
		"size":         a.Size,
		"storagePath":  a.StoragePath,
		"url":          a.URL,
		"thumbnailUrl": a.ThumbnailURL,
		"uploadedBy":   a.UploadedBy,
		"createdAt":    a.CreatedAt,
	}
}

func linkView(l store.Link) map[string]any {
	return map[string]any{
		"id":        l.ID,
		"fromType":  l.FromType,
		"fromId":    l.FromID,
		"toType":    l.ToType,
		"toId":      l.ToID,
		"relation":  l.Relation,
		"createdBy": l.CreatedBy,
		"createdAt": l.CreatedAt,
	}
}
