package api

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lidarhub/pointserve/internal/db"
	"github.com/lidarhub/pointserve/internal/engine"
	"github.com/lidarhub/pointserve/internal/httputil"
	"github.com/lidarhub/pointserve/internal/monitoring"
	"github.com/lidarhub/pointserve/internal/session"
)

const testPipeline = `{"count": 500, "bounds": [0, 0, 0, 100, 100, 20], "seed": 11, "srs": "EPSG:32615"}`

func newTestServer(t *testing.T, database *db.DB) *httptest.Server {
	t.Helper()
	t.Cleanup(monitoring.Mute())

	d := session.NewDispatcher(2)
	t.Cleanup(d.Stop)
	m := session.NewManager(d, func() engine.Engine { return engine.NewMemory() })
	t.Cleanup(m.DestroyAll)

	ts := httptest.NewServer(NewServer(m, database, "").ServeMux())
	t.Cleanup(ts.Close)
	return ts
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "api-test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.MigrateUp("../../db/migrations"); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return database
}

func decodeEnvelope(t *testing.T, resp *http.Response) httputil.Envelope {
	t.Helper()
	defer resp.Body.Close()
	var env httputil.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func createTestSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/sessions/create", map[string]interface{}{
		"pipeline": testPipeline,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create returned status %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	id, _ := env.Data["session"].(string)
	if id == "" {
		t.Fatalf("create returned no session id: %+v", env)
	}
	return id
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status": "ok"`) {
		t.Errorf("unexpected health body: %s", body)
	}
}

func TestCreateAndListSessions(t *testing.T) {
	ts := newTestServer(t, nil)

	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	env := decodeEnvelope(t, resp)
	want := httputil.Envelope{
		Status:  true,
		Command: "sessions",
		Data:    map[string]interface{}{"sessions": []interface{}{id}},
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("sessions envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateRejectsMissingPipeline(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/sessions/create", map[string]interface{}{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	want := httputil.Envelope{
		Status:  false,
		Command: "create",
		Reason:  "'pipeline' is required",
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateBadPipeline(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/sessions/create", map[string]interface{}{
		"pipeline": "this is not json",
	})
	env := decodeEnvelope(t, resp)
	if env.Status {
		t.Error("expected failure envelope for a bad pipeline")
	}
	if resp.StatusCode < 400 {
		t.Errorf("status = %d, want an error status", resp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	listEnv := decodeEnvelope(t, listResp)
	if got := listEnv.Data["sessions"]; got != nil {
		if ids, ok := got.([]interface{}); ok && len(ids) != 0 {
			t.Errorf("failed create left sessions behind: %v", ids)
		}
	}
}

func TestCreateMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/sessions/create")
	if err != nil {
		t.Fatalf("GET create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestAccessorsUnknownSession(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"numpoints", "schema", "stats", "srs", "fills"} {
		resp, err := http.Get(ts.URL + "/api/sessions/" + path + "?session=nope")
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestSessionAccessors(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/numpoints?session=" + id)
	if err != nil {
		t.Fatalf("GET numpoints: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if got := env.Data["numPoints"]; got != float64(500) {
		t.Errorf("numPoints = %v, want 500", got)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/srs?session=" + id)
	if err != nil {
		t.Fatalf("GET srs: %v", err)
	}
	env = decodeEnvelope(t, resp)
	if got := env.Data["srs"]; got != "EPSG:32615" {
		t.Errorf("srs = %v, want EPSG:32615", got)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/schema?session=" + id)
	if err != nil {
		t.Fatalf("GET schema: %v", err)
	}
	env = decodeEnvelope(t, resp)
	if _, ok := env.Data["schema"].(map[string]interface{}); !ok {
		t.Errorf("schema is not a JSON object: %v", env.Data["schema"])
	}

	resp, err = http.Get(ts.URL + "/api/sessions/stats?session=" + id)
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	env = decodeEnvelope(t, resp)
	if _, ok := env.Data["stats"].(map[string]interface{}); !ok {
		t.Errorf("stats is not a JSON object: %v", env.Data["stats"])
	}

	resp, err = http.Get(ts.URL + "/api/sessions/fills?session=" + id)
	if err != nil {
		t.Fatalf("GET fills: %v", err)
	}
	env = decodeEnvelope(t, resp)
	fills, ok := env.Data["fills"].([]interface{})
	if !ok {
		t.Fatalf("fills is not an array: %v", env.Data["fills"])
	}
	var total float64
	for _, f := range fills {
		total += f.(float64)
	}
	if total != 500 {
		t.Errorf("fills sum = %v, want 500", total)
	}
}

func TestDestroySession(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	resp, err := http.Post(ts.URL+"/api/sessions/destroy?session="+id, "application/json", nil)
	if err != nil {
		t.Fatalf("POST destroy: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if !env.Status {
		t.Fatalf("destroy failed: %+v", env)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/numpoints?session=" + id)
	if err != nil {
		t.Fatalf("GET numpoints: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("destroyed session still answers: status %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/sessions/destroy?session="+id, "application/json", nil)
	if err != nil {
		t.Fatalf("POST destroy again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second destroy: status = %d, want 404", resp.StatusCode)
	}
}

func TestParseDoesNotRetainSession(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/sessions/parse", map[string]interface{}{
		"pipeline": testPipeline,
	})
	env := decodeEnvelope(t, resp)
	if !env.Status {
		t.Fatalf("parse failed: %+v", env)
	}

	listResp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	listEnv := decodeEnvelope(t, listResp)
	if got := listEnv.Data["sessions"]; got != nil {
		if ids, ok := got.([]interface{}); ok && len(ids) != 0 {
			t.Errorf("parse retained sessions: %v", ids)
		}
	}
}

func TestReadRaw(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/read?session=" + id)
	if err != nil {
		t.Fatalf("GET read: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := resp.Header.Get("X-Num-Points"); got != "500" {
		t.Errorf("X-Num-Points = %q, want 500", got)
	}
	if len(resp.Header.Get("X-Read-Id")) != 24 {
		t.Errorf("X-Read-Id = %q, want 24 hex chars", resp.Header.Get("X-Read-Id"))
	}
	if resp.Header.Get("X-Raster-Meta") != "" {
		t.Error("raw read carried raster metadata")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	numBytes, _ := strconv.Atoi(resp.Header.Get("X-Num-Bytes"))
	if len(body) != numBytes {
		t.Errorf("body is %d bytes, header says %d", len(body), numBytes)
	}
	// X, Y, Z float64 plus Intensity uint16 per point.
	if want := 500 * 26; len(body) != want {
		t.Errorf("body is %d bytes, want %d", len(body), want)
	}
}

func TestReadWithFieldsAndBounds(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	q := url.Values{}
	q.Set("session", id)
	q.Set("fields", "X,Y")
	q.Set("bounds", "0,0,50,50")
	resp, err := http.Get(ts.URL + "/api/sessions/read?" + q.Encode())
	if err != nil {
		t.Fatalf("GET read: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}

	numPoints, _ := strconv.Atoi(resp.Header.Get("X-Num-Points"))
	if numPoints <= 0 || numPoints >= 500 {
		t.Errorf("bounded read returned %d points, want a proper subset", numPoints)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != numPoints*16 {
		t.Errorf("body is %d bytes, want %d for two float64 fields", len(body), numPoints*16)
	}
	for i := 0; i < numPoints; i++ {
		x := math.Float64frombits(binary.LittleEndian.Uint64(body[i*16:]))
		y := math.Float64frombits(binary.LittleEndian.Uint64(body[i*16+8:]))
		if x < 0 || x > 50 || y < 0 || y > 50 {
			t.Fatalf("point %d at (%v, %v) outside requested bounds", i, x, y)
		}
	}
}

func TestReadInvalidQuery(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	cases := []string{
		"bounds=1,2,three,4",
		"compress=sometimes",
		"rasterize=1&cellSize=abc",
		"rasterize=1&cellSize=0",
		"bounds=1,2,3",
	}
	for _, qs := range cases {
		resp, err := http.Get(ts.URL + "/api/sessions/read?session=" + id + "&" + qs)
		if err != nil {
			t.Fatalf("GET read?%s: %v", qs, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("read?%s: status = %d, want 400", qs, resp.StatusCode)
		}
	}
}

func TestReadRasterized(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/read?session=" + id + "&rasterize=true&cellSize=10")
	if err != nil {
		t.Fatalf("GET read: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}

	var meta engine.RasterMeta
	if err := json.Unmarshal([]byte(resp.Header.Get("X-Raster-Meta")), &meta); err != nil {
		t.Fatalf("decoding X-Raster-Meta: %v", err)
	}
	if meta.XNum != 10 || meta.YNum != 10 {
		t.Errorf("grid is %dx%d, want 10x10", meta.XNum, meta.YNum)
	}
	body, _ := io.ReadAll(resp.Body)
	if want := meta.XNum * meta.YNum * 8; len(body) != want {
		t.Errorf("raster body is %d bytes, want %d", len(body), want)
	}
}

func TestCancelUnknownRead(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	req, err := http.NewRequest(http.MethodDelete,
		ts.URL+"/api/sessions/read?session="+id+"&readId=0123456789ABCDEF01234567", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE read: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRasterPreviewPNG(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/raster-preview?session=" + id + "&cellSize=10")
	if err != nil {
		t.Fatalf("GET raster-preview: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) < 8 || !bytes.HasPrefix(body, []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestRasterPreviewTooLarge(t *testing.T) {
	t.Cleanup(monitoring.Mute())

	d := session.NewDispatcher(2)
	t.Cleanup(d.Stop)
	m := session.NewManager(d, func() engine.Engine { return engine.NewMemory() })
	t.Cleanup(m.DestroyAll)

	srv := NewServer(m, nil, "")
	srv.SetPreviewMaxCells(16)
	ts := httptest.NewServer(srv.ServeMux())
	t.Cleanup(ts.Close)

	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/raster-preview?session=" + id + "&cellSize=1")
	if err != nil {
		t.Fatalf("GET raster-preview: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSerializeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	id := createTestSession(t, ts)

	out := filepath.Join(t.TempDir(), "dump.bin")
	resp := postJSON(t, ts.URL+"/api/sessions/serialize?session="+id, map[string]interface{}{
		"paths": []string{out},
	})
	env := decodeEnvelope(t, resp)
	if !env.Status {
		t.Fatalf("serialize failed: %+v", env)
	}
}

func TestSerializeConfinedToDataDir(t *testing.T) {
	t.Cleanup(monitoring.Mute())

	d := session.NewDispatcher(2)
	t.Cleanup(d.Stop)
	m := session.NewManager(d, func() engine.Engine { return engine.NewMemory() })
	t.Cleanup(m.DestroyAll)

	dataDir := t.TempDir()
	ts := httptest.NewServer(NewServer(m, nil, dataDir).ServeMux())
	t.Cleanup(ts.Close)

	id := createTestSession(t, ts)

	resp := postJSON(t, ts.URL+"/api/sessions/serialize?session="+id, map[string]interface{}{
		"paths": []string{filepath.Join(dataDir, "..", "escape.bin")},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("escaping path: status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/sessions/serialize?session="+id, map[string]interface{}{
		"paths": []string{filepath.Join(dataDir, "out.bin")},
	})
	env := decodeEnvelope(t, resp)
	if !env.Status {
		t.Errorf("in-directory path rejected: %+v", env)
	}
}

func TestPersistenceEndpoints(t *testing.T) {
	database := newTestDB(t)
	ts := newTestServer(t, database)
	id := createTestSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/read?session=" + id)
	if err != nil {
		t.Fatalf("GET read: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/pipelines")
	if err != nil {
		t.Fatalf("GET /api/pipelines: %v", err)
	}
	env := decodeEnvelope(t, resp)
	pipelines, ok := env.Data["pipelines"].([]interface{})
	if !ok || len(pipelines) != 1 {
		t.Fatalf("pipelines = %v, want exactly one entry", env.Data["pipelines"])
	}
	entry := pipelines[0].(map[string]interface{})
	if entry["pipelineId"] != id {
		t.Errorf("persisted pipeline id = %v, want %v", entry["pipelineId"], id)
	}

	resp, err = http.Get(ts.URL + "/api/reads/log?limit=10")
	if err != nil {
		t.Fatalf("GET /api/reads/log: %v", err)
	}
	env = decodeEnvelope(t, resp)
	reads, ok := env.Data["reads"].([]interface{})
	if !ok || len(reads) != 1 {
		t.Fatalf("reads = %v, want exactly one entry", env.Data["reads"])
	}
	ev := reads[0].(map[string]interface{})
	if ev["status"] != "success" {
		t.Errorf("read log status = %v, want success", ev["status"])
	}
	if ev["sessionId"] != id {
		t.Errorf("read log session = %v, want %v", ev["sessionId"], id)
	}
}

func TestPersistenceDisabled(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/api/pipelines", "/api/reads/log"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		env := decodeEnvelope(t, resp)
		if env.Status {
			t.Errorf("%s succeeded without a database", path)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, resp.StatusCode)
		}
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestCancelWaiterRendezvous(t *testing.T) {
	s := NewServer(nil, nil, "")

	// Waiter registers first, cancel arrives second.
	ch := s.registerCancelWaiter("read-a")
	s.notifyCancel("read-a")
	if !closed(ch) {
		t.Error("waiter not signalled by cancel")
	}

	// Cancel lands before the waiter registers.
	s.notifyCancel("read-b")
	if !closed(s.registerCancelWaiter("read-b")) {
		t.Error("pre-registered cancel was lost")
	}

	// A dropped waiter leaves no state behind.
	s.registerCancelWaiter("read-c")
	s.dropCancelWaiter("read-c")
	s.notifyCancel("read-c")
	s.dropCancelWaiter("read-c")
	if closed(s.registerCancelWaiter("read-c")) {
		t.Error("stale cancel survived dropCancelWaiter")
	}
}

func TestReadLogInvalidLimit(t *testing.T) {
	database := newTestDB(t)
	ts := newTestServer(t, database)

	resp, err := http.Get(ts.URL + "/api/reads/log?limit=zero")
	if err != nil {
		t.Fatalf("GET /api/reads/log: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
