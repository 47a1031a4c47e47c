package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/auth"
	"github.com/MarcoPoloResearchLab/tales/internal/downloads"
	"github.com/MarcoPoloResearchLab/tales/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tales/internal/library"
	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/MarcoPoloResearchLab/tales/internal/users"
	"go.uber.org/zap"
)

func TestRealtimeStreamEmitsStoryCompletedForGuest(t *testing.T) {
	db := openTestDatabase(t)
	store, err := kvstore.New(kvstore.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	tracker, err := progress.NewTracker(progress.TrackerConfig{
		Store:     store,
		Debounce:  time.Hour,
		Publisher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })
	manager, err := downloads.NewManager(downloads.ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	registry, err := library.NewRegistry(library.RegistryConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}

	secret := []byte("test-signing-secret")
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret, Issuer: "tales-auth", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: secret, Issuer: "tales-auth", CookieName: "tales_session"})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		GuestTokens:       issuer,
		Namespaces:        identities,
		Progress:          tracker,
		Downloads:         manager,
		Library:           registry,
		Realtime:          dispatcher,
		CookieName:        "tales_session",
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewExample(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	guestResp, err := http.Post(server.URL+"/auth/guest", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("guest session request failed: %v", err)
	}
	var guest guestSessionResponsePayload
	if err := json.NewDecoder(guestResp.Body).Decode(&guest); err != nil {
		t.Fatalf("failed to decode guest session: %v", err)
	}
	_ = guestResp.Body.Close()
	if guestResp.StatusCode != http.StatusOK || guest.AccessToken == "" {
		t.Fatalf("unexpected guest session: %d %+v", guestResp.StatusCode, guest)
	}

	streamResp, err := http.Get(server.URL + "/events?access_token=" + guest.AccessToken)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)

	progressReq, err := http.NewRequest(http.MethodPut, server.URL+"/stories/story-9/progress", strings.NewReader(`{"percentage":96}`))
	if err != nil {
		t.Fatalf("failed to construct progress request: %v", err)
	}
	progressReq.Header.Set("Authorization", "Bearer "+guest.AccessToken)
	progressReq.Header.Set("Content-Type", "application/json")
	progressResp, err := http.DefaultClient.Do(progressReq)
	if err != nil {
		t.Fatalf("progress request failed: %v", err)
	}
	var recorded progressResponsePayload
	if err := json.NewDecoder(progressResp.Body).Decode(&recorded); err != nil {
		t.Fatalf("failed to decode progress response: %v", err)
	}
	_ = progressResp.Body.Close()
	if progressResp.StatusCode != http.StatusOK || !recorded.JustCompleted {
		t.Fatalf("expected completion from progress update, got %d %+v", progressResp.StatusCode, recorded)
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventStoryCompleted {
				continue
			}
			var payload completionEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.StoryID != "story-9" || payload.Percentage != 96 || payload.Timestamp == "" {
				t.Fatalf("unexpected completion payload: %#v", payload)
			}
			return
		}
	}
}
