package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/soaringjerry/covfee/internal/db"
	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/middleware"
	"github.com/soaringjerry/covfee/internal/models"
	"github.com/soaringjerry/covfee/internal/services"
)

const projectYAML = `
id: study
name: Study
hits:
  - id: pair
    repeat: 2
    nodes:
      - name: counter
        type: IncrementCounterTask
    instance_nodes:
      - name: survey
        type: QuestionnaireTask
`

type testServer struct {
	srv   *httptest.Server
	authn *middleware.Authenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "covfee.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	secret := func() string { return "s3cret" }
	authn := middleware.NewAuthenticator("jwt-key")
	instances := services.NewInstanceService(store, models.Links{}, secret)
	rt := NewRouter(Deps{
		Instances: instances,
		Responses: services.NewResponseService(store),
		Projects:  services.NewProjectService(store, instances, secret),
		Journeys:  services.NewJourneyService(store),
		Chats:     services.NewChatService(store),
		Auth:      services.NewAuthService(store, authn.SignToken, string(hash), time.Hour),
	})
	mux := http.NewServeMux()
	rt.Register(mux)
	srv := httptest.NewServer(authn.WithAuth(mux))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, authn: authn}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, data)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	var tok struct {
		Token string `json:"token"`
		Admin bool   `json:"admin"`
	}
	if code := ts.do(t, "POST", "/api/admin/login", "", []byte(`{"password":"letmein"}`), &tok); code != http.StatusOK {
		t.Fatalf("admin login status %d", code)
	}
	if !tok.Admin || tok.Token == "" {
		t.Fatalf("unexpected login result %+v", tok)
	}
	return tok.Token
}

func (ts *testServer) importProject(t *testing.T) services.ImportResult {
	t.Helper()
	var res services.ImportResult
	code := ts.do(t, "POST", "/api/projects/import?format=yaml", ts.adminToken(t), []byte(projectYAML), &res)
	if code != http.StatusOK {
		t.Fatalf("import status %d", code)
	}
	return res
}

func (ts *testServer) journeyToken(t *testing.T, journeyHex string) string {
	t.Helper()
	var tok struct {
		Token string `json:"token"`
	}
	if code := ts.do(t, "POST", "/api/journeys/"+journeyHex+"/token", "", nil, &tok); code != http.StatusOK {
		t.Fatalf("journey token status %d", code)
	}
	return tok.Token
}

func instanceHex(i int) string {
	proj := ids.ProjectHashstr("study", "s3cret")
	return ids.Hex(ids.InstanceID(ids.HITHashstr(proj, "pair"), i))
}

func TestAdminLogin(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.do(t, "POST", "/api/admin/login", "", []byte(`{"password":"nope"}`), nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong password status %d, want 401", code)
	}
	if code := ts.do(t, "POST", "/api/admin/login", "", []byte(`{}`), nil); code != http.StatusBadRequest {
		t.Fatalf("empty password status %d, want 400", code)
	}
	ts.adminToken(t)
}

func TestImportRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.do(t, "POST", "/api/projects/import?format=yaml", "", []byte(projectYAML), nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous import status %d, want 401", code)
	}
	journeyTok, _ := ts.authn.SignToken("journey:x", "x", false, time.Hour)
	if code := ts.do(t, "POST", "/api/projects/import?format=yaml", journeyTok, []byte(projectYAML), nil); code != http.StatusForbidden {
		t.Fatalf("journey import status %d, want 403", code)
	}
	bad := []byte("id: study\nhits:\n  - id: pair\n    bogus: 1\n")
	if code := ts.do(t, "POST", "/api/projects/import?format=yaml", ts.adminToken(t), bad, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid file status %d, want 400", code)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	first := ts.importProject(t)
	if first.InstancesCreated != 2 {
		t.Fatalf("instances created = %d, want 2", first.InstancesCreated)
	}
	second := ts.importProject(t)
	if second.InstancesCreated != 0 || second.ProjectID != first.ProjectID {
		t.Fatalf("reimport created %d instances, project %s vs %s", second.InstancesCreated, second.ProjectID, first.ProjectID)
	}

	var view models.ProjectView
	if code := ts.do(t, "GET", "/api/projects/"+first.ProjectID, ts.adminToken(t), nil, &view); code != http.StatusOK {
		t.Fatalf("project view status %d", code)
	}
	if len(view.HITs) != 1 || view.Name != "Study" {
		t.Fatalf("unexpected project view %+v", view)
	}
}

func TestInstanceResponseAndSubmitFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.importProject(t)
	inst := instanceHex(0)

	var view models.InstanceView
	if code := ts.do(t, "GET", "/api/instances/"+inst, "", nil, &view); code != http.StatusOK {
		t.Fatalf("instance status %d", code)
	}
	if len(view.Nodes) != 2 || view.Nodes[0].Name != "counter" || view.Nodes[1].Name != "survey" {
		t.Fatalf("unexpected nodes %+v", view.Nodes)
	}
	if view.CompletionCode != "" {
		t.Fatalf("completion code leaked before submit")
	}
	survey := view.Nodes[1].ID

	path := "/api/instances/" + inst + "/tasks/" + strconv.FormatInt(survey, 10) + "/response"
	var resp responseView
	if code := ts.do(t, "GET", path, "", nil, &resp); code != http.StatusOK {
		t.Fatalf("latest response status %d", code)
	}
	var again responseView
	ts.do(t, "GET", path, "", nil, &again)
	if again.ID != resp.ID {
		t.Fatalf("latest response created twice: %d then %d", resp.ID, again.ID)
	}

	submit := "/api/responses/" + strconv.FormatInt(resp.ID, 10) + "/submit"
	token := ts.journeyToken(t, view.Journeys[0].ID)
	var submitted responseView
	if code := ts.do(t, "POST", submit, token, []byte(`{"answer":1}`), &submitted); code != http.StatusOK {
		t.Fatalf("submit status %d", code)
	}
	if !submitted.Submitted || string(submitted.Data) != `{"answer":1}` {
		t.Fatalf("unexpected submitted response %+v", submitted)
	}
	if code := ts.do(t, "POST", submit, token, []byte(`{"answer":2}`), nil); code != http.StatusConflict {
		t.Fatalf("second submit status %d, want 409", code)
	}

	ts.do(t, "GET", "/api/instances/"+inst, "", nil, &view)
	if view.Nodes[1].Status != models.NodeCompleted {
		t.Fatalf("survey status = %s, want completed", view.Nodes[1].Status)
	}

	var done models.InstanceView
	if code := ts.do(t, "POST", "/api/instances/"+inst+"/submit", "", nil, &done); code != http.StatusOK {
		t.Fatalf("instance submit status %d", code)
	}
	if !done.Submitted || done.CompletionCode == "" {
		t.Fatalf("submitted view missing completion code: %+v", done)
	}

	var preview models.InstanceView
	if code := ts.do(t, "GET", "/api/instances/"+done.PreviewID+"?preview=1", "", nil, &preview); code != http.StatusOK {
		t.Fatalf("preview status %d", code)
	}
	if preview.CompletionCode != "" || preview.ID != inst {
		t.Fatalf("preview view leaked completion code or wrong instance: %+v", preview)
	}
}

func TestBadAndUnknownIDs(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		method, path string
		want         int
	}{
		{"GET", "/api/instances/zz", http.StatusBadRequest},
		{"GET", "/api/instances/" + instanceHex(5), http.StatusNotFound},
		{"POST", "/api/instances/" + instanceHex(5) + "/submit", http.StatusNotFound},
		{"GET", "/api/instances/" + instanceHex(0) + "/tasks/abc/response", http.StatusBadRequest},
		{"POST", "/api/responses/42/submit", http.StatusUnauthorized},
		{"POST", "/api/journeys/zz/token", http.StatusBadRequest},
		{"GET", "/api/instances/" + instanceHex(0) + "/submit", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		if code := ts.do(t, tc.method, tc.path, "", nil, nil); code != tc.want {
			t.Fatalf("%s %s status %d, want %d", tc.method, tc.path, code, tc.want)
		}
	}
}

func TestResponseSubmitScopedToInstance(t *testing.T) {
	ts := newTestServer(t)
	ts.importProject(t)

	var v0, v1 models.InstanceView
	ts.do(t, "GET", "/api/instances/"+instanceHex(0), "", nil, &v0)
	ts.do(t, "GET", "/api/instances/"+instanceHex(1), "", nil, &v1)
	survey := strconv.FormatInt(v0.Nodes[1].ID, 10)
	var resp responseView
	if code := ts.do(t, "GET", "/api/instances/"+instanceHex(0)+"/tasks/"+survey+"/response", "", nil, &resp); code != http.StatusOK {
		t.Fatalf("latest response status %d", code)
	}
	submit := "/api/responses/" + strconv.FormatInt(resp.ID, 10) + "/submit"

	if code := ts.do(t, "POST", submit, "", []byte(`{"answer":1}`), nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous submit status %d, want 401", code)
	}
	foreign := ts.journeyToken(t, v1.Journeys[0].ID)
	if code := ts.do(t, "POST", submit, foreign, []byte(`{"answer":1}`), nil); code != http.StatusForbidden {
		t.Fatalf("foreign journey submit status %d, want 403", code)
	}
	var current responseView
	ts.do(t, "GET", "/api/instances/"+instanceHex(0)+"/tasks/"+survey+"/response", "", nil, &current)
	if current.Submitted {
		t.Fatalf("rejected submit marked the response submitted")
	}

	admin := ts.adminToken(t)
	if code := ts.do(t, "POST", "/api/responses/42/submit", admin, nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown response status %d, want 404", code)
	}
	if code := ts.do(t, "POST", submit, admin, []byte(`{"answer":1}`), nil); code != http.StatusOK {
		t.Fatalf("admin submit status %d", code)
	}
}

func TestJourneyTokenScopesChatHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.importProject(t)

	var v0, v1 models.InstanceView
	ts.do(t, "GET", "/api/instances/"+instanceHex(0), "", nil, &v0)
	ts.do(t, "GET", "/api/instances/"+instanceHex(1), "", nil, &v1)
	if len(v0.Journeys) != 1 || v0.ChatID == 0 || v1.ChatID == 0 {
		t.Fatalf("unexpected instance views %+v %+v", v0, v1)
	}

	var tok struct {
		Token     string `json:"token"`
		JourneyID string `json:"journey_id"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if code := ts.do(t, "POST", "/api/journeys/"+v0.Journeys[0].ID+"/token", "", nil, &tok); code != http.StatusOK {
		t.Fatalf("journey token status %d", code)
	}
	if tok.JourneyID != v0.Journeys[0].ID || tok.ExpiresIn != 3600 {
		t.Fatalf("unexpected token response %+v", tok)
	}
	claims, err := ts.authn.ParseToken(tok.Token)
	if err != nil || claims.JourneyID != v0.Journeys[0].ID {
		t.Fatalf("token claims %+v err %v", claims, err)
	}

	own := "/api/chats/" + strconv.FormatInt(v0.ChatID, 10) + "/messages"
	other := "/api/chats/" + strconv.FormatInt(v1.ChatID, 10) + "/messages"
	var history struct {
		ChatID   int64                    `json:"chat_id"`
		Messages []models.ChatMessageView `json:"messages"`
	}
	if code := ts.do(t, "GET", own, tok.Token, nil, &history); code != http.StatusOK {
		t.Fatalf("own chat status %d", code)
	}
	if history.ChatID != v0.ChatID || len(history.Messages) != 0 {
		t.Fatalf("unexpected history %+v", history)
	}
	if code := ts.do(t, "GET", other, tok.Token, nil, nil); code != http.StatusForbidden {
		t.Fatalf("foreign chat status %d, want 403", code)
	}
	if code := ts.do(t, "GET", own, "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous chat status %d, want 401", code)
	}
	if code := ts.do(t, "GET", other, ts.adminToken(t), nil, nil); code != http.StatusOK {
		t.Fatalf("admin chat status %d", code)
	}
}

func TestImportFormatDetection(t *testing.T) {
	cases := map[string]string{
		"?format=toml":    "toml",
		"?name=study.yml": "yml",
		"":                "json",
		"?format=JSON":    "JSON",
		"?name=noext":     "json",
	}
	for query, want := range cases {
		r := httptest.NewRequest("POST", "/api/projects/import"+query, strings.NewReader(""))
		if got := importFormat(r); got != want {
			t.Fatalf("importFormat(%q) = %q, want %q", query, got, want)
		}
	}
	r := httptest.NewRequest("POST", "/api/projects/import", strings.NewReader(""))
	r.Header.Set("Content-Type", "application/x-yaml")
	if got := importFormat(r); got != "yaml" {
		t.Fatalf("content type detection = %q", got)
	}
}
