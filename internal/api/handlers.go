package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lidarhub/pointserve/internal/db"
	"github.com/lidarhub/pointserve/internal/engine"
	"github.com/lidarhub/pointserve/internal/httputil"
	"github.com/lidarhub/pointserve/internal/preview"
	"github.com/lidarhub/pointserve/internal/security"
	"github.com/lidarhub/pointserve/internal/session"
)

// statusForErr maps a session error kind to an HTTP status code.
func statusForErr(err error) int {
	switch session.KindOf(err) {
	case session.KindInvalidArgument:
		return http.StatusBadRequest
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindNotInitialized:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sessionFromQuery resolves the ?session= parameter to a live session,
// writing the failure envelope itself when it cannot.
func (s *Server) sessionFromQuery(w http.ResponseWriter, r *http.Request, command string) (*session.Session, string, bool) {
	id := r.URL.Query().Get("session")
	if id == "" {
		httputil.BadRequest(w, command, "'session' is required")
		return nil, "", false
	}
	sess, ok := s.manager.Get(id)
	if !ok {
		httputil.NotFound(w, command, fmt.Sprintf("no session %q", id))
		return nil, "", false
	}
	return sess, id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "pointserve", "timestamp": "%s"}`,
		time.Now().UTC().Format(time.RFC3339))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, "sessions")
		return
	}
	httputil.WriteSuccess(w, "sessions", map[string]interface{}{
		"sessions": s.manager.List(),
	})
}

type createRequest struct {
	Session  string   `json:"session"`
	Pipeline string   `json:"pipeline"`
	Paths    []string `json:"paths"`
}

func decodeCreateRequest(w http.ResponseWriter, r *http.Request, command string) (createRequest, bool) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, command, fmt.Sprintf("invalid request body: %v", err))
		return req, false
	}
	if req.Pipeline == "" {
		httputil.BadRequest(w, command, "'pipeline' is required")
		return req, false
	}
	return req, true
}

// checkPaths confines client-supplied paths to the configured data
// directory, writing the failure envelope on a violation.
func (s *Server) checkPaths(w http.ResponseWriter, command string, paths []string) bool {
	if s.dataDir == "" {
		return true
	}
	for _, p := range paths {
		if err := security.ValidateWithinRoot(p, s.dataDir); err != nil {
			httputil.BadRequest(w, command, err.Error())
			return false
		}
	}
	return true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, "create")
		return
	}
	req, ok := decodeCreateRequest(w, r, "create")
	if !ok {
		return
	}
	if !s.checkPaths(w, "create", req.Paths) {
		return
	}

	done := make(chan error, 1)
	id, err := s.manager.Create(req.Session, req.Pipeline, req.Paths, func(err error) { done <- err })
	if err != nil {
		httputil.WriteFailure(w, statusForErr(err), "create", err.Error())
		return
	}

	if err := <-done; err != nil {
		httputil.WriteFailure(w, statusForErr(err), "create", err.Error())
		return
	}

	if s.db != nil {
		if err := s.db.UpsertPipeline(id, req.Pipeline); err != nil {
			log.Printf("[API] failed to persist pipeline %s: %v", id, err)
		}
	}
	httputil.WriteSuccess(w, "create", map[string]interface{}{"session": id})
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, "parse")
		return
	}
	req, ok := decodeCreateRequest(w, r, "parse")
	if !ok {
		return
	}
	if !s.checkPaths(w, "parse", req.Paths) {
		return
	}

	done := make(chan error, 1)
	if err := s.manager.Parse(req.Pipeline, req.Paths, func(err error) { done <- err }); err != nil {
		httputil.WriteFailure(w, statusForErr(err), "parse", err.Error())
		return
	}
	if err := <-done; err != nil {
		httputil.WriteFailure(w, statusForErr(err), "parse", err.Error())
		return
	}
	httputil.WriteSuccess(w, "parse", nil)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, "destroy")
		return
	}
	id := r.URL.Query().Get("session")
	if id == "" {
		httputil.BadRequest(w, "destroy", "'session' is required")
		return
	}
	if !s.manager.Destroy(id) {
		httputil.NotFound(w, "destroy", fmt.Sprintf("no session %q", id))
		return
	}
	httputil.WriteSuccess(w, "destroy", map[string]interface{}{"session": id})
}

func (s *Server) handleNumPoints(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionFromQuery(w, r, "numPoints")
	if !ok {
		return
	}
	n, err := sess.NumPoints()
	if err != nil {
		httputil.WriteFailure(w, statusForErr(err), "numPoints", err.Error())
		return
	}
	httputil.WriteSuccess(w, "numPoints", map[string]interface{}{"numPoints": n})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionFromQuery(w, r, "schema")
	if !ok {
		return
	}
	schema, err := sess.Schema()
	if err != nil {
		httputil.WriteFailure(w, statusForErr(err), "schema", err.Error())
		return
	}
	httputil.WriteSuccess(w, "schema", map[string]interface{}{"schema": json.RawMessage(schema)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionFromQuery(w, r, "stats")
	if !ok {
		return
	}
	stats, err := sess.Stats()
	if err != nil {
		httputil.WriteFailure(w, statusForErr(err), "stats", err.Error())
		return
	}
	httputil.WriteSuccess(w, "stats", map[string]interface{}{"stats": json.RawMessage(stats)})
}

func (s *Server) handleSRS(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionFromQuery(w, r, "srs")
	if !ok {
		return
	}
	srs, err := sess.SRS()
	if err != nil {
		httputil.WriteFailure(w, statusForErr(err), "srs", err.Error())
		return
	}
	httputil.WriteSuccess(w, "srs", map[string]interface{}{"srs": srs})
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.sessionFromQuery(w, r, "fills")
	if !ok {
		return
	}
	fills, err := sess.Fills()
	if err != nil {
		httputil.WriteFailure(w, statusForErr(err), "fills", err.Error())
		return
	}
	if fills == nil {
		fills = []int{}
	}
	httputil.WriteSuccess(w, "fills", map[string]interface{}{"fills": fills})
}

type serializeRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleSerialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, "serialize")
		return
	}
	sess, _, ok := s.sessionFromQuery(w, r, "serialize")
	if !ok {
		return
	}

	var req serializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "serialize", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Paths) == 0 {
		httputil.BadRequest(w, "serialize", "'paths' is required")
		return
	}
	if !s.checkPaths(w, "serialize", req.Paths) {
		return
	}

	done := make(chan error, 1)
	if err := sess.Serialize(req.Paths, func(err error) { done <- err }); err != nil {
		httputil.WriteFailure(w, statusForErr(err), "serialize", err.Error())
		return
	}
	if err := <-done; err != nil {
		httputil.WriteFailure(w, statusForErr(err), "serialize", err.Error())
		return
	}
	httputil.WriteSuccess(w, "serialize", map[string]interface{}{"paths": req.Paths})
}

// parseReadRequest translates read query parameters into a request for
// the session core.
func parseReadRequest(q url.Values) (session.ReadRequest, error) {
	var req session.ReadRequest

	if raw := q.Get("bounds"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return req, fmt.Errorf("invalid bounds value %q", part)
			}
			req.Bounds = append(req.Bounds, v)
		}
	}
	if raw := q.Get("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			req.Fields = append(req.Fields, strings.TrimSpace(f))
		}
	}
	if raw := q.Get("compress"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return req, fmt.Errorf("invalid compress value %q", raw)
		}
		req.Compress = v
	}
	if raw := q.Get("rasterize"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return req, fmt.Errorf("invalid rasterize value %q", raw)
		}
		req.Rasterize = v
	}
	if raw := q.Get("cellSize"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, fmt.Errorf("invalid cellSize value %q", raw)
		}
		req.CellSize = v
	}
	return req, nil
}

type readOutcome struct {
	res *session.ReadResult
	err error
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.doRead(w, r)
	case http.MethodDelete:
		s.doCancelRead(w, r)
	default:
		httputil.MethodNotAllowed(w, "read")
	}
}

func (s *Server) doRead(w http.ResponseWriter, r *http.Request) {
	sess, sessionID, ok := s.sessionFromQuery(w, r, "read")
	if !ok {
		return
	}

	req, err := parseReadRequest(r.URL.Query())
	if err != nil {
		httputil.BadRequest(w, "read", err.Error())
		return
	}

	outcome := make(chan readOutcome, 1)
	id, err := sess.Read(req, func(err error, res *session.ReadResult) {
		outcome <- readOutcome{res: res, err: err}
	})
	if err != nil {
		httputil.WriteFailure(w, statusForErr(err), "read", err.Error())
		return
	}

	cancelled := s.registerCancelWaiter(id)
	defer s.dropCancelWaiter(id)

	select {
	case <-r.Context().Done():
		// Client went away; stop the engine work if it still can be.
		sess.CancelRead(id)
		return
	case <-cancelled:
		httputil.WriteFailure(w, http.StatusConflict, "read", "read cancelled")
		return
	case out := <-outcome:
		if out.err != nil {
			s.recordRead(db.ReadEvent{
				ReadID: id, SessionID: sessionID, Status: "error", ErrorMessage: out.err.Error(),
			})
			httputil.WriteFailure(w, statusForErr(out.err), "read", out.err.Error())
			return
		}
		s.recordRead(db.ReadEvent{
			ReadID: id, SessionID: sessionID, Status: "success",
			NumPoints: out.res.NumPoints, NumBytes: int64(out.res.NumBytes),
		})
		s.streamReadResult(w, out.res)
	}
}

// streamReadResult writes the binary body with its metadata headers,
// flushing chunk by chunk.
func (s *Server) streamReadResult(w http.ResponseWriter, res *session.ReadResult) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Read-Id", res.ReadID)
	w.Header().Set("X-Num-Points", strconv.FormatInt(res.NumPoints, 10))
	w.Header().Set("X-Num-Bytes", strconv.Itoa(res.NumBytes))
	if res.Raster != nil {
		meta, err := json.Marshal(res.Raster)
		if err == nil {
			w.Header().Set("X-Raster-Meta", string(meta))
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for off := 0; off < len(res.Data); off += engine.ChunkSize {
		end := off + engine.ChunkSize
		if end > len(res.Data) {
			end = len(res.Data)
		}
		if _, err := w.Write(res.Data[off:end]); err != nil {
			log.Printf("[API] read %s: client dropped mid-stream: %v", res.ReadID, err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) doCancelRead(w http.ResponseWriter, r *http.Request) {
	sess, sessionID, ok := s.sessionFromQuery(w, r, "cancel")
	if !ok {
		return
	}
	readID := r.URL.Query().Get("readId")
	if readID == "" {
		httputil.BadRequest(w, "cancel", "'readId' is required")
		return
	}

	if !sess.CancelRead(readID) {
		httputil.NotFound(w, "cancel", fmt.Sprintf("no in-flight read %q", readID))
		return
	}

	s.notifyCancel(readID)
	s.recordRead(db.ReadEvent{ReadID: readID, SessionID: sessionID, Status: "cancelled"})
	httputil.WriteSuccess(w, "cancel", map[string]interface{}{"readId": readID})
}

func (s *Server) handleRasterPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, "rasterPreview")
		return
	}
	sess, _, ok := s.sessionFromQuery(w, r, "rasterPreview")
	if !ok {
		return
	}

	req, err := parseReadRequest(r.URL.Query())
	if err != nil {
		httputil.BadRequest(w, "rasterPreview", err.Error())
		return
	}
	req.Rasterize = true
	req.Compress = false
	req.Fields = nil

	outcome := make(chan readOutcome, 1)
	if _, err := sess.Read(req, func(err error, res *session.ReadResult) {
		outcome <- readOutcome{res: res, err: err}
	}); err != nil {
		httputil.WriteFailure(w, statusForErr(err), "rasterPreview", err.Error())
		return
	}

	out := <-outcome
	if out.err != nil {
		httputil.WriteFailure(w, statusForErr(out.err), "rasterPreview", out.err.Error())
		return
	}
	if cells := out.res.Raster.XNum * out.res.Raster.YNum; cells > s.previewMaxCells {
		httputil.BadRequest(w, "rasterPreview",
			fmt.Sprintf("raster of %d cells exceeds the preview limit of %d", cells, s.previewMaxCells))
		return
	}

	png, err := preview.Render(out.res.Raster, out.res.Data)
	if err != nil {
		httputil.InternalServerError(w, "rasterPreview", err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, "pipelines")
		return
	}
	if s.db == nil {
		httputil.WriteFailure(w, http.StatusServiceUnavailable, "pipelines", "persistence is disabled")
		return
	}
	pipelines, err := s.db.ListPipelines()
	if err != nil {
		httputil.InternalServerError(w, "pipelines", err.Error())
		return
	}
	if pipelines == nil {
		pipelines = []db.Pipeline{}
	}
	httputil.WriteSuccess(w, "pipelines", map[string]interface{}{"pipelines": pipelines})
}

func (s *Server) handleReadLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, "readLog")
		return
	}
	if s.db == nil {
		httputil.WriteFailure(w, http.StatusServiceUnavailable, "readLog", "persistence is disabled")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "readLog", "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	events, err := s.db.RecentReads(limit)
	if err != nil {
		httputil.InternalServerError(w, "readLog", err.Error())
		return
	}
	if events == nil {
		events = []db.ReadEvent{}
	}
	httputil.WriteSuccess(w, "readLog", map[string]interface{}{"reads": events})
}

func (s *Server) recordRead(ev db.ReadEvent) {
	if s.db == nil {
		return
	}
	if err := s.db.RecordRead(ev); err != nil {
		log.Printf("[API] failed to record read %s: %v", ev.ReadID, err)
	}
}
