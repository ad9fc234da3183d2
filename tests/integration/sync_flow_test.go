package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/replichat/backend/internal/blob"
	"github.com/replichat/backend/internal/database"
	"github.com/replichat/backend/internal/replicache"
	"github.com/replichat/backend/internal/server"
)

const jsonContentType = "application/json"

type pullResponse struct {
	LastMutationID int64 `json:"lastMutationID"`
	Cookie         int64 `json:"cookie"`
	Patch          []struct {
		Op    string         `json:"op"`
		Key   string         `json:"key"`
		Value map[string]any `json:"value"`
	} `json:"patch"`
}

func TestPushPullBlobAndPokeFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(t.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	require.NoError(t, err)

	syncService, err := replicache.NewService(replicache.ServiceConfig{Database: db, Logger: zap.NewNop()})
	require.NoError(t, err)
	blobStore, err := blob.NewStore(blob.StoreConfig{Database: db, Logger: zap.NewNop()})
	require.NoError(t, err)

	dispatcher := server.NewPokeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		SyncService:     syncService,
		BlobStore:       blobStore,
		Poke:            dispatcher,
		PokeChannel:     "default",
		HeartbeatPeriod: time.Second,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)

	// An idle client listens for pokes over the websocket channel.
	websocketURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/poke/ws"
	conn, _, err := websocket.DefaultDialer.Dial(websocketURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	require.Eventually(t, func() bool {
		return dispatcher.ListenerCount("default") > 0
	}, 2*time.Second, 5*time.Millisecond, "websocket listener never registered")

	// Another client submits its pending mutations.
	pushBody := `{"clientID":"writer","mutations":[
		{"id":1,"name":"createMessage","args":{"id":"msg-1","from":"alice","content":"hello","order":1}},
		{"id":2,"name":"createMessage","args":{"id":"msg-2","from":"alice","content":"again","order":2}}
	]}`
	pushResp, err := http.Post(httpServer.URL+"/replicache-push", jsonContentType, bytes.NewBufferString(pushBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, pushResp.StatusCode)
	require.Equal(t, "ok", mustReadBody(t, pushResp))

	// The idle client is poked awake...
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame struct {
		Event string `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "poke", frame.Event)

	// ...and pulls from the beginning.
	pull := doPull(t, httpServer.URL, `{"clientID":"reader","cookie":null}`)
	require.Zero(t, pull.LastMutationID, "reader has pushed nothing")
	require.NotZero(t, pull.Cookie)
	require.Len(t, pull.Patch, 2)
	values := make(map[string]map[string]any, len(pull.Patch))
	for _, op := range pull.Patch {
		require.Equal(t, "put", op.Op)
		values[op.Key] = op.Value
	}
	require.Contains(t, values, "message/msg-1")
	require.Contains(t, values, "message/msg-2")
	require.Equal(t, "alice", values["message/msg-1"]["from"])
	require.Equal(t, "hello", values["message/msg-1"]["content"])

	// A message referencing a not-yet-uploaded attachment syncs without a
	// blob-presence entry.
	attachment := []byte("picture bytes")
	hash := blob.Digest(attachment).String()
	attachBody := fmt.Sprintf(`{"clientID":"writer","mutations":[
		{"id":3,"name":"createMessage","args":{"id":"msg-3","from":"alice","content":"see attachment","order":3,"attachment":%q}}
	]}`, hash)
	attachResp, err := http.Post(httpServer.URL+"/replicache-push", jsonContentType, bytes.NewBufferString(attachBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, attachResp.StatusCode)
	_ = mustReadBody(t, attachResp)

	beforeUpload := doPull(t, httpServer.URL, fmt.Sprintf(`{"clientID":"reader","cookie":%d}`, pull.Cookie))
	require.Len(t, beforeUpload.Patch, 1)
	require.Equal(t, "message/msg-3", beforeUpload.Patch[0].Key)
	require.Equal(t, hash, beforeUpload.Patch[0].Value["attachment"])

	// Upload the blob, then the next pull reports its presence.
	uploadRequest, err := http.NewRequest(http.MethodPut, httpServer.URL+"/blob/"+hash, bytes.NewReader(attachment))
	require.NoError(t, err)
	uploadResp, err := http.DefaultClient.Do(uploadRequest)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, uploadResp.StatusCode)
	_ = mustReadBody(t, uploadResp)

	afterUpload := doPull(t, httpServer.URL, fmt.Sprintf(`{"clientID":"reader","cookie":%d}`, pull.Cookie))
	require.Len(t, afterUpload.Patch, 2)
	require.Equal(t, "blob/"+hash, afterUpload.Patch[1].Key)
	require.Equal(t, true, afterUpload.Patch[1].Value["uploaded"])

	downloadResp, err := http.Get(httpServer.URL + "/blob/" + hash)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, downloadResp.StatusCode)
	require.Equal(t, string(attachment), mustReadBody(t, downloadResp))

	// Re-delivering the first batch changes nothing.
	retryResp, err := http.Post(httpServer.URL+"/replicache-push", jsonContentType, bytes.NewBufferString(pushBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, retryResp.StatusCode)
	_ = mustReadBody(t, retryResp)

	converged := doPull(t, httpServer.URL, `{"clientID":"writer","cookie":null}`)
	require.Equal(t, int64(3), converged.LastMutationID)
	require.Equal(t, afterUpload.Cookie, converged.Cookie)
	require.Len(t, converged.Patch, 4)
}

func doPull(t *testing.T, baseURL, body string) pullResponse {
	t.Helper()
	response, err := http.Post(baseURL+"/replicache-pull", jsonContentType, bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	defer response.Body.Close()
	var decoded pullResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&decoded))
	return decoded
}

func mustReadBody(t *testing.T, response *http.Response) string {
	t.Helper()
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return string(data)
}
