package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"accounts-api/internal/auth"
	"accounts-api/internal/repository/sqlite"
	"accounts-api/internal/service"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewUserRepository(db)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("init repo: %v", err)
	}

	tokens := auth.NewManager(testSecret, time.Minute)
	router := gin.New()
	NewHandler(service.NewUserService(repo), tokens).RegisterRoutes(router)
	return router, tokens
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestCreateUser(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/users", map[string]string{
		"email":    "a@x.com",
		"password": "p",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var created UserResponse
	decodeBody(t, w, &created)
	if created.UserID != 1 || created.Email != "a@x.com" || created.FirstName != "" || created.LastName != "" {
		t.Fatalf("unexpected body: %+v", created)
	}

	// created user is immediately visible under its id
	w = doJSON(t, router, http.MethodGet, "/users/1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var fetched UserResponse
	decodeBody(t, w, &fetched)
	if fetched != created {
		t.Fatalf("fetched %+v != created %+v", fetched, created)
	}
}

func TestCreateUser_Validation(t *testing.T) {
	router, _ := newTestServer(t)

	cases := []struct {
		name string
		body map[string]string
		want string
	}{
		{"missing email", map[string]string{"password": "p"}, "email is required!"},
		{"missing password", map[string]string{"email": "a@x.com"}, "please enter a password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/users", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", w.Code)
			}
			var resp map[string]string
			decodeBody(t, w, &resp)
			if resp["error"] != tc.want {
				t.Fatalf("error = %q, want %q", resp["error"], tc.want)
			}
		})
	}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	router, _ := newTestServer(t)

	body := map[string]string{"email": "a@x.com", "password": "p"}
	if w := doJSON(t, router, http.MethodPost, "/users", body, nil); w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", w.Code)
	}

	w := doJSON(t, router, http.MethodPost, "/users", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["error"] != "Email ya esta en uso." {
		t.Fatalf("error = %q", resp["error"])
	}

	// no new row
	w = doJSON(t, router, http.MethodGet, "/users", nil, nil)
	var users []UserResponse
	decodeBody(t, w, &users)
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
}

func TestListUsers(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/users", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var users []UserResponse
	decodeBody(t, w, &users)
	if len(users) != 0 {
		t.Fatalf("expected empty array, got %+v", users)
	}

	for _, email := range []string{"a@x.com", "b@x.com"} {
		doJSON(t, router, http.MethodPost, "/users", map[string]string{"email": email, "password": "p"}, nil)
	}

	w = doJSON(t, router, http.MethodGet, "/users", nil, nil)
	decodeBody(t, w, &users)
	if len(users) != 2 || users[0].Email != "a@x.com" || users[1].Email != "b@x.com" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestGetUser_Errors(t *testing.T) {
	router, _ := newTestServer(t)

	if w := doJSON(t, router, http.MethodGet, "/users/999", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/users/abc", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}
}

func TestDeleteUser(t *testing.T) {
	router, _ := newTestServer(t)

	doJSON(t, router, http.MethodPost, "/users", map[string]string{"email": "a@x.com", "password": "p"}, nil)

	w := doJSON(t, router, http.MethodDelete, "/users/1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	var resp struct {
		Status bool   `json:"status"`
		Msg    string `json:"msg"`
	}
	decodeBody(t, w, &resp)
	if !resp.Status || resp.Msg != "User deleted" {
		t.Fatalf("unexpected body: %+v", resp)
	}

	// deleted user is gone
	if w := doJSON(t, router, http.MethodGet, "/users/1", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodDelete, "/users/1", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", w.Code)
	}
	decodeBody(t, w, &resp)
	if resp.Status || resp.Msg != "User doesn't exist" {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestLogin(t *testing.T) {
	router, tokens := newTestServer(t)

	doJSON(t, router, http.MethodPost, "/users", map[string]string{"email": "a@x.com", "password": "p"}, nil)

	w := doJSON(t, router, http.MethodPost, "/login", map[string]string{"email": "a@x.com", "password": "p"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string       `json:"token"`
		User  UserResponse `json:"user"`
	}
	decodeBody(t, w, &resp)
	if resp.Token == "" || resp.User.Email != "a@x.com" {
		t.Fatalf("unexpected body: %+v", resp)
	}

	// the token resolves back to the login identity
	identity, err := tokens.VerifyToken(resp.Token)
	if err != nil || identity != "a@x.com" {
		t.Fatalf("verify issued token: %q %v", identity, err)
	}

	w = doJSON(t, router, http.MethodPost, "/login", map[string]string{"email": "a@x.com", "password": "wrong"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad login status = %d", w.Code)
	}
	var fail map[string]string
	decodeBody(t, w, &fail)
	if fail["msg"] == "" {
		t.Fatalf("expected msg in body, got %s", w.Body.String())
	}
}

func TestProtected(t *testing.T) {
	router, tokens := newTestServer(t)

	doJSON(t, router, http.MethodPost, "/users", map[string]string{
		"first_name": "Ada",
		"email":      "a@x.com",
		"password":   "p",
	}, nil)

	token, err := tokens.IssueToken("a@x.com")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	w := doJSON(t, router, http.MethodGet, "/protected", nil, header)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var name string
	decodeBody(t, w, &name)
	if name != "Ada" {
		t.Fatalf("first name = %q", name)
	}
}

func TestProtected_Rejections(t *testing.T) {
	router, tokens := newTestServer(t)

	// no token
	if w := doJSON(t, router, http.MethodGet, "/protected", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", w.Code)
	}

	// wrong scheme
	header := http.Header{"Authorization": []string{"Basic abc"}}
	if w := doJSON(t, router, http.MethodGet, "/protected", nil, header); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme status = %d", w.Code)
	}

	// tampered token
	token, err := tokens.IssueToken("a@x.com")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	header = http.Header{"Authorization": []string{"Bearer " + token[:len(token)-2] + "xx"}}
	if w := doJSON(t, router, http.MethodGet, "/protected", nil, header); w.Code != http.StatusUnauthorized {
		t.Fatalf("tampered token status = %d", w.Code)
	}
}

func TestSitemap(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var routes []RouteResponse
	decodeBody(t, w, &routes)

	want := map[string]bool{
		"GET /users":        false,
		"POST /users":       false,
		"POST /login":       false,
		"GET /protected":    false,
		"DELETE /users/:id": false,
	}
	for _, r := range routes {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, seen := range want {
		if !seen {
			t.Fatalf("route %s missing from sitemap: %+v", key, routes)
		}
	}
}
