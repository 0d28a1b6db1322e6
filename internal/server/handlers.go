package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/shouta0715/ripples-api/internal/room"
	"github.com/shouta0715/ripples-api/internal/server/middleware"
	"github.com/shouta0715/ripples-api/internal/session"
	"github.com/shouta0715/ripples-api/pkg/transport"
	"github.com/tidwall/gjson"
)

// maxJSONBody bounds every JSON request body.
const maxJSONBody = 1 << 20

func (a *App) routes(mux *http.ServeMux) {
	roomed := func(h http.HandlerFunc, extra ...middleware.Middleware) http.Handler {
		return middleware.Chain(h, append([]middleware.Middleware{middleware.RequireRoom()}, extra...)...)
	}
	limiter := middleware.NewConnectionLimiter(a.logger, a.countOtherPanels, a.config.Server.MaxPanelsPerRoom)

	mux.Handle("POST /{room}/register", roomed(a.handleRegister))
	mux.Handle("GET /{room}/mode", roomed(a.handleGetMode))
	mux.Handle("GET /{room}/{id}", roomed(a.handlePanelUpgrade, limiter))
	mux.Handle("POST /{room}/{id}/resize", roomed(a.handleResize))
	// GET /{room}/images/{id} and GET /{room}/{id}/state overlap, so one
	// pattern serves both.
	mux.Handle("GET /{room}/{id}/{leaf}", roomed(a.handleLeaf))
	mux.Handle("POST /{room}/images/upload", roomed(a.handleUpload))

	mux.Handle("GET /{room}/admin", roomed(a.handleAdminUpgrade))
	mux.Handle("GET /{room}/admin/sessions", roomed(a.handleSessions))
	mux.Handle("POST /{room}/admin/mode", roomed(a.handleSetMode))
	mux.Handle("POST /{room}/admin/{id}/position", roomed(a.handlePosition))
	mux.Handle("POST /{room}/admin/{id}/displayname", roomed(a.handleDisplayName))
	mux.Handle("POST /{room}/admin/{id}/device", roomed(a.handleDevice))
	mux.Handle("POST /{room}/admin/{id}/connect", roomed(a.handleEdge(true)))
	mux.Handle("POST /{room}/admin/{id}/disconnect", roomed(a.handleEdge(false)))
	mux.Handle("GET /{room}/admin/customs", roomed(a.handleGetCustoms))
	mux.Handle("POST /{room}/admin/customs", roomed(a.handleSetCustom))
	mux.Handle("PATCH /{room}/admin/customs/{key}", roomed(a.handleUpdateCustom))
	mux.Handle("DELETE /{room}/admin/customs/{key}", roomed(a.handleDeleteCustom))
}

func (a *App) room(r *http.Request) *room.Room {
	return a.rooms.Get(r.PathValue("room"))
}

func (a *App) countOtherPanels(r *http.Request) (int, error) {
	return a.room(r).OtherPanels(r.Context(), r.PathValue("id"))
}

// readJSON reads a bounded request body and checks it is JSON.
func readJSON(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, session.InvalidRequest("body is not valid JSON")
	}
	return body, nil
}

// --- Connections ---

func (a *App) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: a.config.Server.AllowedOrigins}
}

func (a *App) transportConfig() transport.ConnectionConfig {
	return transport.ConnectionConfig{
		ReadTimeout:  a.config.Transport.ReadTimeout,
		SendBuffer:   a.config.Transport.SendBuffer,
		PingInterval: a.config.Transport.PingInterval,
	}
}

// serveConn upgrades the request, attaches the connection to rm and
// blocks until it is closed.
func (a *App) serveConn(w http.ResponseWriter, r *http.Request, rm *room.Room, attach func(ctx context.Context, connID string, conn *transport.Connection) error) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("room", rm.Name()))
	if reqMeta != nil {
		connLogger = connLogger.With(slog.String("remoteAddr", reqMeta.IP))
	}

	wsConn, err := websocket.Accept(w, r, a.acceptOptions())
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(r.Context(), &a.wg, wsConn, a.transportConfig(), nil, nil, connLogger)
	connID := conn.ID().String()
	conn.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, msg []byte) {
		rm.Receive(connID, msg)
	})
	conn.SetOnCloseHandler(func(_ uuid.UUID, err error) {
		connLogger.Info("Detaching connection due to closure", slog.String("connID", connID))
		rm.Detach(connID)
	})

	if err := attach(r.Context(), connID, conn); err != nil {
		connLogger.Warn("Failed to attach connection", slog.Any("error", err))
		conn.CloseWith(websocket.StatusPolicyViolation, truncateReason(err.Error()))
		return
	}

	conn.Run()
	<-conn.Done()
}

// truncateReason keeps a close reason inside the 123 bytes a close frame allows.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

func (a *App) handleAdminUpgrade(w http.ResponseWriter, r *http.Request) {
	rm := a.room(r)
	a.serveConn(w, r, rm, func(ctx context.Context, connID string, conn *transport.Connection) error {
		return rm.AttachAdmin(ctx, connID, conn)
	})
}

func (a *App) handlePanelUpgrade(w http.ResponseWriter, r *http.Request) {
	rm := a.room(r)
	// Refuse with a proper HTTP status before the upgrade.
	if err := rm.CheckAdmission(r.Context(), r.URL.Path, r.URL.Query()); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.serveConn(w, r, rm, func(ctx context.Context, connID string, conn *transport.Connection) error {
		return rm.AttachUser(ctx, connID, conn, r.URL.Path, r.URL.Query())
	})
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"id": uuid.NewString()})
}

// --- Panel routes ---

func (a *App) handleResize(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	size, err := session.DecodeResize(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.room(r).Resize(r.Context(), r.PathValue("id"), size.Width, size.Height); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

func (a *App) handleLeaf(w http.ResponseWriter, r *http.Request) {
	id, leaf := r.PathValue("id"), r.PathValue("leaf")
	switch {
	case id == "images":
		a.serveImage(w, r, leaf)
	case leaf == "state":
		state, err := a.room(r).GetUserState(r.Context(), id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeJSON(w, http.StatusOK, state)
	default:
		http.NotFound(w, r)
	}
}

func (a *App) handleGetMode(w http.ResponseWriter, r *http.Request) {
	mode, err := a.room(r).GetMode(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]session.Mode{"mode": mode})
}

// --- Admin routes ---

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.room(r).GetUserSessions(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sessions)
}

func (a *App) handleSetMode(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	mode := gjson.GetBytes(body, "mode")
	if mode.Type != gjson.String {
		a.writeError(w, r, session.InvalidRequest("missing field \"mode\""))
		return
	}
	if err := a.room(r).SetMode(r.Context(), session.Mode(mode.String())); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

func (a *App) handlePosition(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := session.DecodePosition(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.room(r).ChangePosition(r.Context(), r.PathValue("id"), p); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

func (a *App) handleDisplayName(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := r.ParseMultipartForm(maxJSONBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		a.writeError(w, r, session.InvalidRequest("malformed form: %v", err))
		return
	}
	if _, present := r.Form["displayname"]; !present {
		a.writeError(w, r, session.InvalidRequest("missing field \"displayname\""))
		return
	}
	name := r.FormValue("displayname")
	if err := a.room(r).ChangeDisplayName(r.Context(), r.PathValue("id"), name); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

func (a *App) handleDevice(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	d, err := session.DecodeDevice(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.room(r).ChangeDevice(r.Context(), r.PathValue("id"), d); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

func (a *App) handleEdge(connect bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readJSON(w, r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		edge, err := session.DecodeEdge(body)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		rm, actor := a.room(r), r.PathValue("id")
		if connect {
			err = rm.Connect(r.Context(), actor, edge)
		} else {
			err = rm.Disconnect(r.Context(), actor, edge)
		}
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeJSON(w, http.StatusOK, success)
	}
}

// --- Custom fields ---

func (a *App) handleGetCustoms(w http.ResponseWriter, r *http.Request) {
	customs, err := a.room(r).GetCustoms(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, customs)
}

func decodeCustom(body []byte, required ...string) (session.CustomField, error) {
	for _, p := range required {
		if !gjson.GetBytes(body, p).Exists() {
			return session.CustomField{}, session.InvalidRequest("missing field %q", p)
		}
	}
	f := session.CustomField{
		Key:          gjson.GetBytes(body, "key").String(),
		Label:        gjson.GetBytes(body, "label").String(),
		Type:         session.CustomType(gjson.GetBytes(body, "type").String()),
		DefaultValue: gjson.GetBytes(body, "defaultValue").Value(),
	}
	return f, nil
}

func (a *App) handleSetCustom(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	f, err := decodeCustom(body, "key", "label", "type", "defaultValue")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.room(r).SetCustom(r.Context(), f); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

func (a *App) handleUpdateCustom(w http.ResponseWriter, r *http.Request) {
	body, err := readJSON(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	f, err := decodeCustom(body, "label", "type", "defaultValue")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.room(r).UpdateCustom(r.Context(), r.PathValue("key"), f); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

func (a *App) handleDeleteCustom(w http.ResponseWriter, r *http.Request) {
	if err := a.room(r).DeleteCustom(r.Context(), r.PathValue("key")); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, success)
}

// --- Images ---

func (a *App) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.Blob.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		a.writeError(w, r, session.InvalidRequest("expected a multipart form"))
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			a.writeError(w, r, session.InvalidRequest("missing file \"image\""))
			return
		}
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if part.FormName() != "image" {
			part.Close()
			continue
		}

		contentType := part.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "image/") {
			part.Close()
			a.writeError(w, r, session.InvalidRequest("unsupported content type %q", contentType))
			return
		}
		id, err := a.room(r).UploadImage(r.Context(), contentType, part)
		part.Close()
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]string{"id": id})
		return
	}
}

func (a *App) serveImage(w http.ResponseWriter, r *http.Request, id string) {
	obj, err := a.room(r).OpenImage(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+obj.Digest+`"`)
	if rs, ok := obj.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", time.Time{}, rs)
		return
	}
	if match := r.Header.Get("If-None-Match"); match == `"`+obj.Digest+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if _, err := io.Copy(w, obj.Body); err != nil {
		a.logger.Warn("Failed to stream image", slog.String("id", id), slog.Any("error", err))
	}
}
