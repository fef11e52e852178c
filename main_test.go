package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"molva/internal/api"
	"molva/internal/auth"
	"molva/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	tmp := t.TempDir()
	adminAddr := "127.0.0.1:8888"
	apiAddr := "127.0.0.1:8887"

	envVars := map[string]string{
		"MOLVA_DB":     filepath.Join(tmp, "integration.db"),
		"UPLOADS_PATH": filepath.Join(tmp, "uploads"),
		"ADMIN_ADDR":   adminAddr,
		"API_ADDR":     apiAddr,
		"AUTH_SECRET":  "very-secure-test-secret",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := run(ctx, ""); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/health", adminAddr), 20)

	client := &http.Client{}
	baseURL := fmt.Sprintf("http://%s", apiAddr)

	// Step 1: Create alice via the admin listener
	alicePassword := "alice-password"
	reqBody, _ := json.Marshal(api.AddUserRequest{Username: "alice", Password: alicePassword})
	resp, err := client.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var adminResp api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&adminResp))
	require.True(t, adminResp.Success)
	require.NotEmpty(t, adminResp.UserID)

	// Step 2: Register bob through the public API
	bob := postJSON[models.User](t, client, baseURL+"/api/register", map[string]string{
		"username": "bob", "password": "bob-password-1",
	}, http.StatusCreated)
	require.Equal(t, "bob", bob.Username)

	// Step 3: Login both
	aliceLogin := postJSON[auth.LoginResponse](t, client, baseURL+"/api/login", map[string]string{
		"username": "alice", "password": alicePassword,
	}, http.StatusOK)
	require.NotEmpty(t, aliceLogin.Token)

	bobLogin := postJSON[auth.LoginResponse](t, client, baseURL+"/api/login", map[string]string{
		"username": "bob", "password": "bob-password-1",
	}, http.StatusOK)

	// Step 4: Alice opens a direct room with bob
	roomBody, _ := json.Marshal(map[string]string{"user_id": bob.ID})
	roomReq, _ := http.NewRequest("POST", baseURL+"/api/rooms/direct", bytes.NewReader(roomBody))
	roomReq.Header.Set("Content-Type", "application/json")
	roomReq.Header.Set("token", aliceLogin.Token)
	roomResp, err := client.Do(roomReq)
	require.NoError(t, err)
	defer func() { _ = roomResp.Body.Close() }()
	require.Equal(t, http.StatusOK, roomResp.StatusCode)

	var room models.Room
	require.NoError(t, json.NewDecoder(roomResp.Body).Decode(&room))
	require.Equal(t, models.RoomDirect, room.Kind)

	// Step 5: Both connect to the room socket, alice sends, bob receives
	wsURL := fmt.Sprintf("ws://%s/ws/chat/%s", apiAddr, room.ID)

	bobConn := dialWS(t, wsURL, bobLogin.Token)
	defer func() { _ = bobConn.Close() }()
	waitForEvent(t, bobConn, models.EventUserStatus) // bob's own online broadcast

	aliceConn := dialWS(t, wsURL, aliceLogin.Token)
	defer func() { _ = aliceConn.Close() }()
	waitForEvent(t, bobConn, models.EventUserStatus) // alice came online

	require.NoError(t, aliceConn.WriteJSON(models.ClientEvent{
		Type:    models.EventChatMessage,
		Content: "hello over the wire",
	}))

	msgEvent := waitForEvent(t, bobConn, models.EventChatMessage)
	var delivered struct {
		Message models.MessageView `json:"message"`
	}
	require.NoError(t, json.Unmarshal(msgEvent, &delivered))
	require.Equal(t, "hello over the wire", delivered.Message.Content)
	require.Equal(t, "alice", delivered.Message.Sender.Username)

	// Step 6: The message is durable and visible over REST
	histReq, _ := http.NewRequest("GET", fmt.Sprintf("%s/api/rooms/%s/messages", baseURL, room.ID), nil)
	histReq.Header.Set("token", bobLogin.Token)
	histResp, err := client.Do(histReq)
	require.NoError(t, err)
	defer func() { _ = histResp.Body.Close() }()
	require.Equal(t, http.StatusOK, histResp.StatusCode)

	var history struct {
		Messages []models.MessageView `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(histResp.Body).Decode(&history))
	require.Len(t, history.Messages, 1)
	require.Equal(t, "hello over the wire", history.Messages[0].Content)

	// Step 7: Shutdown is clean
	_ = bobConn.Close()
	_ = aliceConn.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func postJSON[T any](t *testing.T, client *http.Client, url string, body any, wantStatus int) T {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, wantStatus, resp.StatusCode)

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func dialWS(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	require.NoError(t, err)
	return conn
}

// waitForEvent reads frames until one with the wanted type tag arrives,
// skipping interleaved status and typing traffic.
func waitForEvent(t *testing.T, conn *websocket.Conn, eventType string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var envelope struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &envelope))
		if envelope.Type == eventType {
			return data
		}
	}
	t.Fatalf("no %s event within deadline", eventType)
	return nil
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
