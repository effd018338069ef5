package integration_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Longshot123/collabREate/internal/auth"
	"github.com/Longshot123/collabREate/internal/collab"
	"github.com/Longshot123/collabREate/internal/database"
	"github.com/Longshot123/collabREate/internal/perms"
	"github.com/Longshot123/collabREate/internal/project"
	"github.com/Longshot123/collabREate/internal/server"
	"github.com/Longshot123/collabREate/internal/session"
	"github.com/Longshot123/collabREate/internal/updatelog"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	integrationSigningSecret = "integration-secret"
	targetContentHash        = "8c7dd922ad47494fc02c388e12c00eac"
	jsonContentType          = "application/json"
)

func TestCollaborativeSessionFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:collabflow?mode=memory", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	chapService, err := auth.NewService(auth.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build auth service: %v", err)
	}
	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(integrationSigningSecret),
	})
	if err != nil {
		testContext.Fatalf("failed to build token manager: %v", err)
	}
	sessions := session.NewRegistry()
	projects, err := project.NewRegistry(project.RegistryConfig{Database: db, Peers: sessions})
	if err != nil {
		testContext.Fatalf("failed to build project registry: %v", err)
	}
	updates, err := updatelog.NewStore(updatelog.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build update store: %v", err)
	}
	coordinator, err := collab.NewCoordinator(collab.CoordinatorConfig{
		Database: db,
		Projects: projects,
		Updates:  updates,
		Sessions: sessions,
	})
	if err != nil {
		testContext.Fatalf("failed to build coordinator: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Auth:        chapService,
		Tokens:      tokenManager,
		Coordinator: coordinator,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	// Registered before the event stream's cleanup so the stream is
	// cancelled first; Close waits for open connections.
	testContext.Cleanup(testServer.Close)

	ctx := context.Background()
	if _, err := chapService.CreateUser(ctx, "alice", "alicepw", perms.Full, perms.Full); err != nil {
		testContext.Fatalf("failed to create alice: %v", err)
	}
	if _, err := chapService.CreateUser(ctx, "bob", "bobpw", perms.Full, perms.Full); err != nil {
		testContext.Fatalf("failed to create bob: %v", err)
	}

	aliceToken := loginOverHTTP(testContext, testServer.URL, "alice", "alicepw")
	bobToken := loginOverHTTP(testContext, testServer.URL, "bob", "bobpw")

	var created struct {
		LocalID  uint64 `json:"pid"`
		GlobalID string `json:"gpid"`
	}
	postJSON(testContext, testServer.URL+"/projects", aliceToken, map[string]any{
		"hash":        targetContentHash,
		"description": "firmware image",
	}, &created)
	if created.LocalID == 0 || len(created.GlobalID) != 64 {
		testContext.Fatalf("unexpected created project: %+v", created)
	}

	var firstPost struct {
		UpdateID uint64 `json:"updateid"`
	}
	postJSON(testContext, testServer.URL+"/updates", aliceToken, map[string]any{
		"cmd":      "rename",
		"category": "1",
		"payload":  map[string]any{"ea": 4196128, "name": "parse_header"},
	}, &firstPost)
	if firstPost.UpdateID == 0 {
		testContext.Fatalf("expected a non-zero update id")
	}

	var listed struct {
		Projects []struct {
			LocalID uint64 `json:"pid"`
		} `json:"projects"`
	}
	getJSON(testContext, testServer.URL+"/projects?hash="+targetContentHash, bobToken, &listed)
	if len(listed.Projects) != 1 {
		testContext.Fatalf("expected one project for the hash, got %d", len(listed.Projects))
	}

	var joined struct {
		Peers int `json:"peers"`
	}
	postJSON(testContext, fmt.Sprintf("%s/projects/%d/join", testServer.URL, created.LocalID), bobToken, nil, &joined)
	if joined.Peers != 1 {
		testContext.Fatalf("expected alice as the single existing peer, got %d", joined.Peers)
	}

	eventNames := streamEventNames(testContext, testServer.URL, bobToken)

	var secondPost struct {
		UpdateID uint64 `json:"updateid"`
	}
	postJSON(testContext, testServer.URL+"/updates", aliceToken, map[string]any{
		"cmd":      "comment",
		"category": "1",
		"payload":  map[string]any{"ea": 4196200, "text": "checksum loop"},
	}, &secondPost)
	if secondPost.UpdateID <= firstPost.UpdateID {
		testContext.Fatalf("update ids must increase: %d then %d", firstPost.UpdateID, secondPost.UpdateID)
	}

	var replayed struct {
		Updates []struct {
			UpdateID uint64 `json:"updateid"`
			Command  string `json:"cmd"`
		} `json:"updates"`
	}
	getJSON(testContext, testServer.URL+"/updates?since=0", bobToken, &replayed)
	if len(replayed.Updates) != 2 {
		testContext.Fatalf("expected two updates in replay, got %d", len(replayed.Updates))
	}
	if replayed.Updates[0].UpdateID >= replayed.Updates[1].UpdateID {
		testContext.Fatalf("replay out of order: %+v", replayed.Updates)
	}

	waitForEvent(testContext, eventNames, "update")

	var forked struct {
		LocalID  uint64 `json:"pid"`
		GlobalID string `json:"gpid"`
	}
	postJSON(testContext, testServer.URL+"/fork", aliceToken, map[string]any{
		"cutoff":      secondPost.UpdateID,
		"description": "unpacker branch",
	}, &forked)
	if forked.LocalID == created.LocalID {
		testContext.Fatalf("fork must create a new project")
	}

	waitForEvent(testContext, eventNames, "fork-follow")

	var forkInfo struct {
		ParentID uint64 `json:"parent"`
	}
	getJSON(testContext, fmt.Sprintf("%s/projects/%d", testServer.URL, forked.LocalID), bobToken, &forkInfo)
	if forkInfo.ParentID != created.LocalID {
		testContext.Fatalf("expected fork parent %d, got %d", created.LocalID, forkInfo.ParentID)
	}

	var forkReplay struct {
		Updates []struct {
			Command string `json:"cmd"`
		} `json:"updates"`
	}
	getJSON(testContext, testServer.URL+"/updates?since=0", aliceToken, &forkReplay)
	if len(forkReplay.Updates) != 2 {
		testContext.Fatalf("fork must carry the copied prefix, got %d updates", len(forkReplay.Updates))
	}
}

func loginOverHTTP(testContext *testing.T, baseURL, username, password string) string {
	testContext.Helper()

	var challenge struct {
		ChallengeID string `json:"challenge_id"`
		Challenge   string `json:"challenge"`
	}
	postJSON(testContext, baseURL+"/auth/challenge", "", nil, &challenge)

	nonce, err := hex.DecodeString(challenge.Challenge)
	if err != nil {
		testContext.Fatalf("failed to decode challenge: %v", err)
	}
	digest := md5.Sum([]byte(password))
	response, err := auth.ComputeResponse(hex.EncodeToString(digest[:]), nonce)
	if err != nil {
		testContext.Fatalf("failed to compute response: %v", err)
	}

	var verified struct {
		AccessToken string `json:"access_token"`
	}
	postJSON(testContext, baseURL+"/auth/verify", "", map[string]any{
		"challenge_id": challenge.ChallengeID,
		"username":     username,
		"response":     hex.EncodeToString(response),
	}, &verified)
	if verified.AccessToken == "" {
		testContext.Fatalf("expected an access token for %s", username)
	}
	return verified.AccessToken
}

func postJSON(testContext *testing.T, url, token string, body any, target any) {
	testContext.Helper()
	var buffer bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buffer).Encode(body); err != nil {
			testContext.Fatalf("failed to encode request: %v", err)
		}
	}
	request, err := http.NewRequest(http.MethodPost, url, &buffer)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	doJSON(testContext, request, target)
}

func getJSON(testContext *testing.T, url, token string, target any) {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	doJSON(testContext, request, target)
}

func doJSON(testContext *testing.T, request *http.Request, target any) {
	testContext.Helper()
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d for %s %s", response.StatusCode, request.Method, request.URL.Path)
	}
	if target == nil {
		return
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}

// streamEventNames opens the server-sent event stream and feeds the
// event names it sees into the returned channel until the test ends.
func streamEventNames(testContext *testing.T, baseURL, token string) <-chan string {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		testContext.Fatalf("failed to build events request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	ctx, cancel := context.WithCancel(context.Background())
	request = request.WithContext(ctx)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("events request failed: %v", err)
	}
	testContext.Cleanup(func() {
		cancel()
		response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected events status %d", response.StatusCode)
	}

	names := make(chan string, 16)
	go func() {
		defer close(names)
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event:") {
				names <- strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
	}()
	return names
}

func waitForEvent(testContext *testing.T, names <-chan string, want string) {
	testContext.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case name, ok := <-names:
			if !ok {
				testContext.Fatalf("event stream closed before %q arrived", want)
			}
			if name == want {
				return
			}
		case <-deadline:
			testContext.Fatalf("timed out waiting for %q event", want)
		}
	}
}
