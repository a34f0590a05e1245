package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gimo-ai/gimo-license-server/internal/api/middleware"
	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/gin-gonic/gin"
)

// setupTestRouter returns a bare test engine. When user is non-nil every
// request carries it as the authenticated caller.
func setupTestRouter(user *models.User) (*gin.Engine, *gin.RouterGroup) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/")
	if user != nil {
		group.Use(middleware.InjectUser(user))
	}
	return router, group
}

// doRequest performs one request against the router, JSON-encoding body when
// it is non-nil.
func doRequest(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals a JSON response body into a map.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return out
}

func testUser() *models.User {
	return models.NewUser("sub-test", "user@example.com", "Test User")
}

func testAdmin() *models.User {
	admin := models.NewUser("sub-admin", "admin@example.com", "Admin")
	admin.Role = models.RoleAdmin
	return admin
}
