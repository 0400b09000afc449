package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestEventStreamDeliversReplay(t *testing.T) {
	c := newTestAPI(t)
	admin := c.login("ops", "s3cret", "admin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/auth/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin.AccessToken)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	waitFor := func(prefix string) string {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}
	waitFor(": stream started")

	player := c.login("ayla", "correct horse", "player")
	refresh := map[string]any{"refreshToken": player.RefreshToken, "deviceId": "device-1"}
	if resp := c.post("/v1/auth/refresh", refresh, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first refresh status = %d", resp.StatusCode)
	} else {
		resp.Body.Close()
	}
	if resp := c.post("/v1/auth/refresh", refresh, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay status = %d", resp.StatusCode)
	} else {
		resp.Body.Close()
	}

	waitFor("event: auth.refresh.replay_detected")
	data := waitFor("data: ")
	if !strings.Contains(data, `"user_id":"player-123"`) {
		t.Fatalf("event missing user: %s", data)
	}
}

func TestEventStreamRequiresAdmin(t *testing.T) {
	c := newTestAPI(t)
	player := c.login("ayla", "correct horse", "player")

	resp := c.get("/v1/auth/events", bearerHeader(player.AccessToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
