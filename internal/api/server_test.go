package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nyxlabs/gvmd/internal/gvm"
	"github.com/nyxlabs/gvmd/internal/gvmerr"
	"github.com/nyxlabs/gvmd/internal/qmp"
	"github.com/nyxlabs/gvmd/internal/status"
)

type fakeDispatcher struct {
	records map[string]*gvm.Record
	err     error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{records: map[string]*gvm.Record{}}
}

func (f *fakeDispatcher) Create(ctx context.Context, name string, cfg gvm.Config) (*gvm.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.records[name]; ok {
		return nil, gvmerr.New(gvmerr.AlreadyExists, "gvm %q already exists", name)
	}
	r := &gvm.Record{Name: name, Status: status.Created, Config: cfg}
	f.records[name] = r
	return r, nil
}

func (f *fakeDispatcher) Start(ctx context.Context, name string) (*gvm.Record, error) {
	return f.get(name)
}
func (f *fakeDispatcher) Stop(ctx context.Context, name string, g int) (*gvm.Record, error) {
	return f.get(name)
}
func (f *fakeDispatcher) Pause(ctx context.Context, name string) (*gvm.Record, error) {
	return f.get(name)
}
func (f *fakeDispatcher) Resume(ctx context.Context, name string) (*gvm.Record, error) {
	return f.get(name)
}
func (f *fakeDispatcher) Suspend(ctx context.Context, name string) (*gvm.Record, error) {
	return f.get(name)
}
func (f *fakeDispatcher) Reset(ctx context.Context, name string) (*gvm.Record, error) {
	return f.get(name)
}

func (f *fakeDispatcher) Destroy(ctx context.Context, name string, force bool) error {
	if _, ok := f.records[name]; !ok {
		return gvmerr.New(gvmerr.NotFound, "gvm %q not found", name)
	}
	delete(f.records, name)
	return nil
}

func (f *fakeDispatcher) get(name string) (*gvm.Record, error) {
	r, ok := f.records[name]
	if !ok {
		return nil, gvmerr.New(gvmerr.NotFound, "gvm %q not found", name)
	}
	return r, nil
}

func (f *fakeDispatcher) Get(name string) (*gvm.Record, error) { return f.get(name) }

func (f *fakeDispatcher) List() ([]*gvm.Record, error) {
	var out []*gvm.Record
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func newTestServer(d Dispatcher) *Server {
	return New(d, func(string) qmp.Client { return nil }, 30, nil)
}

func TestCreateAndGet(t *testing.T) {
	d := newFakeDispatcher()
	s := newTestServer(d)

	body := `{"name":"alpha","config":{"vcpus":2,"memory_mb":1024}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/gvms", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/gvms/alpha", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	var got gvm.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "alpha" || got.Config.VCPUs != 2 {
		t.Errorf("got record %+v", got)
	}
}

func TestGetMissingReturns404(t *testing.T) {
	s := newTestServer(newFakeDispatcher())
	req := httptest.NewRequest(http.MethodGet, "/v1/gvms/ghost", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	errObj, ok := body["error"].(map[string]any)
	if !ok || errObj["kind"] != string(gvmerr.NotFound) {
		t.Errorf("error body = %v", body)
	}
}

func TestCreateDuplicateReturns409(t *testing.T) {
	d := newFakeDispatcher()
	d.records["dup"] = &gvm.Record{Name: "dup"}
	s := newTestServer(d)

	req := httptest.NewRequest(http.MethodPost, "/v1/gvms", strings.NewReader(`{"name":"dup","config":{}}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestDestroyMissingReturns404(t *testing.T) {
	s := newTestServer(newFakeDispatcher())
	req := httptest.NewRequest(http.MethodDelete, "/v1/gvms/ghost", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDestroySucceedsReturns204(t *testing.T) {
	d := newFakeDispatcher()
	d.records["gone"] = &gvm.Record{Name: "gone"}
	s := newTestServer(d)

	req := httptest.NewRequest(http.MethodDelete, "/v1/gvms/gone", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestLogsStreamsFileContents(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "serial.log")
	if err := os.WriteFile(logPath, []byte("boot ok\n"), 0600); err != nil {
		t.Fatal(err)
	}

	d := newFakeDispatcher()
	d.records["withlog"] = &gvm.Record{Name: "withlog", SerialLogPath: logPath}
	s := newTestServer(d)

	req := httptest.NewRequest(http.MethodGet, "/v1/gvms/withlog/logs", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "boot ok\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestKindToStatusMapping(t *testing.T) {
	cases := map[gvmerr.Kind]int{
		gvmerr.NotFound:                http.StatusNotFound,
		gvmerr.AlreadyExists:           http.StatusConflict,
		gvmerr.Conflict:                http.StatusConflict,
		gvmerr.InvalidTransition:       http.StatusBadRequest,
		gvmerr.BadRequest:              http.StatusBadRequest,
		gvmerr.HypervisorLaunchFailed:  http.StatusInternalServerError,
		gvmerr.StorageError:            http.StatusInternalServerError,
		gvmerr.Internal:                http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kindToStatus(kind); got != want {
			t.Errorf("kindToStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
