package permissions_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileharbor/fileharbor/pkg/permissions"
	permcache "github.com/fileharbor/fileharbor/pkg/permissions/cache"
)

func setupTestServer(t *testing.T) (*httptest.Server, *testFixture) {
	t.Helper()
	db := setupTestDB(t)
	cache := permcache.NewMemoryCache(1000, time.Hour)
	handlers := permissions.NewHandlers(db, cache, permissions.Config{CacheTTL: time.Minute})

	router := mux.NewRouter()
	router.Use(permissions.RequestID)
	handlers.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	fx := &testFixture{t: t}
	fx.owner = createUser(t, db, "owner", "user")
	fx.user = createUser(t, db, "user", "user")
	fx.group = createGroup(t, db, "team", fx.user)
	fx.folder = createFolder(t, db, "docs", fx.owner, nil)
	fx.subfolder = createFolder(t, db, "drafts", fx.owner, ptr(fx.folder))
	fx.file = createFile(t, db, "notes.txt", fx.owner, ptr(fx.subfolder))
	grantFolder(t, db, fx.folder, grant{groupID: ptr(fx.group), read: true})

	return server, fx
}

type testFixture struct {
	t         *testing.T
	owner     int64
	user      int64
	group     int64
	folder    int64
	subfolder int64
	file      int64
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestCheckPermissionEndpoint(t *testing.T) {
	server, fx := setupTestServer(t)

	resp := postJSON(t, server.URL+"/permissions/check", map[string]interface{}{
		"user_id":       fx.user,
		"resource_type": "file",
		"resource_id":   fx.file,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var out struct {
		Permissions permissions.PermissionSet `json:"permissions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Permissions.CanRead)
	assert.Equal(t, permissions.SourceInherited, out.Permissions.Source)
}

func TestCheckPermissionEndpointErrors(t *testing.T) {
	server, fx := setupTestServer(t)

	// Unknown resource type.
	resp := postJSON(t, server.URL+"/permissions/check", map[string]interface{}{
		"user_id":       fx.user,
		"resource_type": "bucket",
		"resource_id":   fx.file,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown user.
	resp = postJSON(t, server.URL+"/permissions/check", map[string]interface{}{
		"user_id":       999999,
		"resource_type": "file",
		"resource_id":   fx.file,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Malformed body.
	httpResp, err := http.Post(server.URL+"/permissions/check", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	httpResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)
}

func TestBulkPermissionsEndpoint(t *testing.T) {
	server, fx := setupTestServer(t)

	resp := postJSON(t, server.URL+"/permissions/bulk", map[string]interface{}{
		"user_id":       fx.user,
		"resource_type": "folder",
		"resource_ids":  []int64{fx.folder, fx.subfolder, 424242},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Permissions map[string]permissions.PermissionSet `json:"permissions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Permissions, 3)
	assert.Equal(t, permissions.SourceGroup, out.Permissions[fmt.Sprint(fx.folder)].Source)
	assert.Equal(t, permissions.SourceInherited, out.Permissions[fmt.Sprint(fx.subfolder)].Source)
	assert.Equal(t, permissions.SourceNone, out.Permissions["424242"].Source)
}

func TestBulkPermissionsEndpointEmptyIDs(t *testing.T) {
	server, fx := setupTestServer(t)

	resp := postJSON(t, server.URL+"/permissions/bulk", map[string]interface{}{
		"user_id":       fx.user,
		"resource_type": "folder",
		"resource_ids":  []int64{},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTreePermissionsEndpoint(t *testing.T) {
	server, fx := setupTestServer(t)

	url := fmt.Sprintf("%s/permissions/tree/%d?user_id=%d&depth=5", server.URL, fx.folder, fx.user)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page permissions.TreePage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, fx.folder, page.RootID)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Nodes, 2)
	assert.Equal(t, fx.folder, page.Nodes[0].FolderID)
}

func TestTreePermissionsEndpointErrors(t *testing.T) {
	server, fx := setupTestServer(t)

	// Missing user_id.
	resp, err := http.Get(fmt.Sprintf("%s/permissions/tree/%d", server.URL, fx.folder))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Nonexistent root folder.
	resp, err = http.Get(fmt.Sprintf("%s/permissions/tree/424242?user_id=%d", server.URL, fx.user))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Negative depth.
	resp, err = http.Get(fmt.Sprintf("%s/permissions/tree/%d?user_id=%d&depth=-2", server.URL, fx.folder, fx.user))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidationEndpoints(t *testing.T) {
	server, fx := setupTestServer(t)

	// Prime the cache.
	resp := postJSON(t, server.URL+"/permissions/check", map[string]interface{}{
		"user_id":       fx.user,
		"resource_type": "folder",
		"resource_id":   fx.folder,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server.URL+"/permissions/invalidate/resource", map[string]interface{}{
		"resource_type": "folder",
		"resource_id":   fx.folder,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, server.URL+"/permissions/invalidate/group-change", map[string]interface{}{
		"user_id": fx.user,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, server.URL+"/permissions/invalidate/move", map[string]interface{}{
		"resource_type": "file",
		"resource_id":   fx.file,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Invalid payloads reject with 400.
	resp = postJSON(t, server.URL+"/permissions/invalidate/resource", map[string]interface{}{
		"resource_type": "bucket",
		"resource_id":   1,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheStatsEndpoint(t *testing.T) {
	server, fx := setupTestServer(t)

	// One miss then one hit.
	for i := 0; i < 2; i++ {
		resp := postJSON(t, server.URL+"/permissions/check", map[string]interface{}{
			"user_id":       fx.user,
			"resource_type": "file",
			"resource_id":   fx.file,
		})
		resp.Body.Close()
	}

	resp, err := http.Get(server.URL + "/permissions/cache/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats permissions.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.GreaterOrEqual(t, stats.Hits, uint64(1))
	assert.GreaterOrEqual(t, stats.Misses, uint64(1))
	assert.Equal(t, stats.Hits+stats.Misses, stats.TotalRequests)
}

func TestWarmCacheEndpoint(t *testing.T) {
	server, fx := setupTestServer(t)

	resp := postJSON(t, server.URL+"/permissions/cache/warm", map[string]interface{}{
		"user_id": fx.owner,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Warmed int `json:"warmed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 3, out.Warmed, "two owned folders and one owned file")
}
