package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/caseapi"
	"github.com/roach88/formcore/internal/docstore"
	"github.com/roach88/formcore/internal/engine"
	"github.com/roach88/formcore/internal/lock"
	"github.com/roach88/formcore/internal/metrics"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/repo"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const domain = "clinic"

type fixture struct {
	router *gin.Engine
	locks  *lock.MemoryManager
}

type fixtureConfig struct {
	opts     Options
	maxBytes int64
	policies func(string) model.DomainPolicy
}

func newFixture(t *testing.T, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()
	cfg := fixtureConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	s, err := docstore.Open(docstore.InMemoryConfig())
	require.NoError(t, err)
	stores := repo.NewRouter(s)
	t.Cleanup(func() { stores.Close() })

	clock := engine.NewFixedClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	clock.Step = time.Second
	locks := lock.NewMemoryManager(0)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	proc := processor.New(stores,
		attachments.New(attachments.NewMemoryBackend(), attachments.WithMaxBytes(cfg.maxBytes)),
		locks,
		processor.WithClock(clock),
		processor.WithTransactionIDs(engine.NewSequenceGenerator("tx")),
		processor.WithRecordIDs(engine.NewSequenceGenerator("rec")),
		processor.WithMetrics(m),
	)
	cases := caseapi.NewService(proc,
		caseapi.WithIDGenerator(engine.NewSequenceGenerator("id")),
		caseapi.WithClock(clock),
	)

	router := New(Deps{
		Processor: proc,
		Cases:     cases,
		Metrics:   m,
		Gatherer:  reg,
		Policies:  cfg.policies,
	}, cfg.opts)
	return &fixture{router: router, locks: locks}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) submit(t *testing.T, xml string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/a/"+domain+"/receiver", []byte(xml), map[string]string{
		"Content-Type": "text/xml",
		"Accept":       "application/json",
	})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func formXML(instanceID, userID string, cases ...string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<data xmlns="http://example.org/forms/visit">
  %s
  <meta xmlns="http://openrosa.org/jr/xforms">
    <deviceID>phone-1</deviceID>
    <userID>%s</userID>
    <instanceID>%s</instanceID>
  </meta>
</data>`, strings.Join(cases, "\n  "), userID, instanceID)
}

func createCase(caseID string, extra string) string {
	return fmt.Sprintf(`<case xmlns="http://commcarehq.org/case/transaction/v2" case_id="%s" date_modified="2024-03-01T09:00:00Z"><create><case_type>patient</case_type><case_name>n</case_name><owner_id>o1</owner_id></create>%s</case>`, caseID, extra)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReceiverCreatesForm(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/a/"+domain+"/receiver", []byte(formXML("f1", "u1", createCase("C1", ""))), map[string]string{
		"Content-Type": "text/xml",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "f1", w.Header().Get(FormIDHeader))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/xml")
	assert.Contains(t, w.Body.String(), `<OpenRosaResponse xmlns="http://openrosa.org/http/response">`)
	assert.Contains(t, w.Body.String(), `nature="submit_success"`)

	w = f.do(t, http.MethodGet, "/a/"+domain+"/cases/C1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "C1", body["case_id"])
	assert.Equal(t, "o1", body["owner_id"])
}

func TestReceiverJSONResponse(t *testing.T) {
	f := newFixture(t)
	xml := formXML("f1", "u1", createCase("C1", ""))

	w := f.submit(t, xml)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "created", body["outcome"])
	assert.Equal(t, "f1", body["form_id"])
	assert.Equal(t, []any{"C1"}, body["created"])

	w = f.submit(t, xml)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["outcome"])
}

func TestReceiverErrorOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		xml     string
		code    string
		problem string
	}{
		{
			name:    "invalid index",
			xml:     formXML("bad", "u1", createCase("X", `<index><parent case_type="p">bad404bad</parent></index>`)),
			code:    string(processor.CodeInvalidCaseIndex),
			problem: "InvalidCaseIndex",
		},
		{
			name:    "malformed xml",
			xml:     `<data><unclosed></data>`,
			code:    string(processor.CodeXMLSyntax),
			problem: "XMLSyntaxError",
		},
		{
			name:    "missing xmlns",
			xml:     `<data><meta><instanceID>f2</instanceID></meta></data>`,
			code:    string(processor.CodeMissingXMLNS),
			problem: "XMLNS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.submit(t, tt.xml)
			require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Equal(t, "error", body["outcome"])
			assert.Equal(t, tt.code, body["code"])
			assert.Contains(t, body["error"], tt.problem)
		})
	}
}

func TestReceiverOpenRosaErrorBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/a/"+domain+"/receiver", []byte(`<data><unclosed></data>`), nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `nature="processing_failure"`)
	assert.Contains(t, w.Body.String(), "XMLSyntaxError")
}

func TestReceiverInvalidIndexWritesNoCase(t *testing.T) {
	f := newFixture(t)
	w := f.submit(t, formXML("bad", "u1", createCase("X", `<index><parent case_type="p">bad404bad</parent></index>`)))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodGet, "/a/"+domain+"/cases/X", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/a/"+domain+"/forms/bad", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "error", decode(t, w)["state"])
}

func multipartBody(t *testing.T, xml string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(submissionPart, "form.xml")
	require.NoError(t, err)
	_, err = part.Write([]byte(xml))
	require.NoError(t, err)
	for name, data := range files {
		part, err := mw.CreateFormFile(name, name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestReceiverMultipartAttachments(t *testing.T) {
	f := newFixture(t)
	photo := []byte("\x89PNG fake image bytes")
	body, contentType := multipartBody(t, formXML("f1", "u1"), map[string][]byte{"photo.png": photo})

	w := f.do(t, http.MethodPost, "/a/"+domain+"/receiver", body.Bytes(), map[string]string{"Content-Type": contentType})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/a/"+domain+"/forms/f1/attachments/photo.png", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, photo, w.Body.Bytes())

	w = f.do(t, http.MethodGet, "/a/"+domain+"/forms/f1/attachments/form.xml", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<instanceID>f1</instanceID>")

	w = f.do(t, http.MethodGet, "/a/"+domain+"/forms/f1/attachments/missing.png", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiverMultipartWithoutXML(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no xml here"))
	require.NoError(t, mw.Close())

	w := f.do(t, http.MethodPost, "/a/"+domain+"/receiver", buf.Bytes(), map[string]string{
		"Content-Type": mw.FormDataContentType(),
		"Accept":       "application/json",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], submissionPart)
}

func TestReceiverRejectsRepeatedAttachmentField(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(submissionPart, "form.xml")
	require.NoError(t, err)
	_, err = part.Write([]byte(formXML("f1", "u1")))
	require.NoError(t, err)
	for _, data := range []string{"first", "second"} {
		part, err := mw.CreateFormFile("photo.png", data+".png")
		require.NoError(t, err)
		_, err = part.Write([]byte(data))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	w := f.do(t, http.MethodPost, "/a/"+domain+"/receiver", buf.Bytes(), map[string]string{
		"Content-Type": mw.FormDataContentType(),
		"Accept":       "application/json",
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w)["error"], "photo.png carries 2 files")

	w = f.do(t, http.MethodGet, "/a/"+domain+"/forms/f1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiverAttachmentTooLarge(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) { c.maxBytes = 2048 })
	body, contentType := multipartBody(t, formXML("f1", "u1"), map[string][]byte{"big.bin": bytes.Repeat([]byte("x"), 4096)})

	w := f.do(t, http.MethodPost, "/a/"+domain+"/receiver", body.Bytes(), map[string]string{
		"Content-Type": contentType,
		"Accept":       "application/json",
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	assert.Equal(t, string(processor.CodeAttachmentTooLarge), decode(t, w)["code"])
}

func TestReceiverLocked(t *testing.T) {
	f := newFixture(t)
	h, err := f.locks.Acquire(context.Background(), lock.FormKey(domain, "f1"))
	require.NoError(t, err)
	defer h.Release(context.Background())

	w := f.submit(t, formXML("f1", "u1"))
	require.Equal(t, http.StatusLocked, w.Code, w.Body.String())
	assert.Equal(t, string(processor.CodeLocked), decode(t, w)["code"])
}

func TestPracticeReceiver(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) { c.opts.DemoUserID = "demo_user" })
	path := "/a/" + domain + "/receiver/practice"

	w := f.do(t, http.MethodPost, path, []byte(formXML("f1", "u1")), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, path, []byte(formXML("f2", "demo_user")), nil)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestDemoOnlyDomain(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) {
		c.opts.DemoUserID = "demo_user"
		c.policies = func(d string) model.DomainPolicy {
			p := model.DefaultPolicy(d)
			p.DemoOnly = true
			return p
		}
	})

	w := f.submit(t, formXML("f1", "u1"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.submit(t, formXML("f2", "demo_user"))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestMaintenanceRejectsWrites(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) { c.opts.Maintenance = true })

	w := f.submit(t, formXML("f1", "u1"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = f.do(t, http.MethodPost, "/a/"+domain+"/api/case/v2", []byte(`{}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodPost, "/a/"+domain+"/forms/f1/archive", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/a/"+domain+"/forms/f1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitIsPerDomain(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) {
		c.opts.RateLimit = 0.001
		c.opts.RateBurst = 1
	})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/a/one/forms/x", nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/a/one/forms/x", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/a/two/forms/x", nil, nil).Code)
}

func TestCaseAPI(t *testing.T) {
	f := newFixture(t)
	base := "/a/" + domain + "/api/case/v2"
	headers := map[string]string{UserHeader: "u1", "Content-Type": "application/json"}

	w := f.do(t, http.MethodPost, base, []byte(`{
		"case_type": "player", "case_name": "Beth", "owner_id": "o1",
		"external_id": "ext-1", "properties": {"rank": "1600"}
	}`), headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	formID := created["form_id"].(string)
	assert.Equal(t, formID, w.Header().Get(FormIDHeader))
	caseID := created["case"].(map[string]any)["case_id"].(string)

	w = f.do(t, http.MethodPut, base+"/"+caseID, []byte(`{"properties": {"rank": "2000"}}`), headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	props := decode(t, w)["case"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "2000", props["rank"])

	w = f.do(t, http.MethodPut, base+"/ext/ext-2", []byte(`{
		"case_type": "player", "case_name": "Benny", "owner_id": "o1"
	}`), headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ext-2", decode(t, w)["case"].(map[string]any)["external_id"])

	w = f.do(t, http.MethodGet, "/a/"+domain+"/forms/"+formID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, caseapi.FormXMLNS, decode(t, w)["xmlns"])
}

func TestCaseAPIErrors(t *testing.T) {
	f := newFixture(t)
	base := "/a/" + domain + "/api/case/v2"

	updates := make([]map[string]any, 103)
	for i := range updates {
		updates[i] = map[string]any{"create": false, "case_id": fmt.Sprintf("c%d", i)}
	}
	bulk, err := json.Marshal(updates)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, base, bulk, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"You cannot submit more than 100 updates in a single request"}`, w.Body.String())

	w = f.do(t, http.MethodPost, base, []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Payload must be valid JSON", decode(t, w)["error"])

	w = f.do(t, http.MethodPut, base+"/nope", []byte(`{"case_name": "x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No case found with ID 'nope'", decode(t, w)["error"])
}

func TestArchiveUnarchive(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.submit(t, formXML("f1", "u1", createCase("C1", ""))).Code)

	w := f.do(t, http.MethodPost, "/a/"+domain+"/forms/f1/archive", nil, map[string]string{UserHeader: "admin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "archived", body["state"])
	history := body["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "admin", history[0].(map[string]any)["user_id"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/a/"+domain+"/cases/C1", nil, nil).Code)

	w = f.do(t, http.MethodPost, "/a/"+domain+"/forms/f1/unarchive", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "normal", decode(t, w)["state"])
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/a/"+domain+"/cases/C1", nil, nil).Code)
}

func TestArchiveErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/a/"+domain+"/forms/missing/archive", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.submit(t, formXML("bad", "u1", createCase("X", `<index><parent case_type="p">bad404bad</parent></index>`)))
	w = f.do(t, http.MethodPost, "/a/"+domain+"/forms/bad/archive", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.submit(t, formXML("f1", "u1"))

	w := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `formcore_submission_total{outcome="created"} 1`)
	assert.Contains(t, w.Body.String(), `formcore_http_requests_total{route="/a/:domain/receiver",status="201"} 1`)
}
