package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/log"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 5*time.Second, log.NewWithOutput("error", io.Discard))
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func TestListMineNormalizesShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"bare list", `[{"id":"1","participants":[{"id":"me"},{"id":"7"}]}]`, 1},
		{"wrapped data", `{"data":[{"id":"1"},{"id":2}]}`, 2},
		{"wrapped conversations", `{"conversations":[{"id":"9"}]}`, 1},
		{"numeric ids", `[{"id":101,"participants":[{"id":7}]}]`, 1},
		{"unexpected object", `{"error":"nope"}`, 0},
		{"null", `null`, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, jsonHandler(http.StatusOK, tc.body))
			convs, err := client.ListMine(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(convs) != tc.want {
				t.Fatalf("expected %d conversations, got %d", tc.want, len(convs))
			}
		})
	}
}

func TestListMineNumericIDsBecomeStrings(t *testing.T) {
	client := testClient(t, jsonHandler(http.StatusOK, `{"data":[{"id":101,"participants":[{"id":7,"name":"Bob"}]}]}`))

	convs, err := client.ListMine(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if convs[0].ID != "101" || convs[0].Participants[0].ID != "7" {
		t.Fatalf("numeric ids must normalize to strings: %+v", convs[0])
	}
}

func TestGetMessagesEmptyIsValid(t *testing.T) {
	client := testClient(t, jsonHandler(http.StatusOK, `[]`))

	msgs, err := client.GetMessages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("empty history must not be an error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func TestCreateConversationIDShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"nested conversation", `{"conversation":{"id":"501","participants":[{"id":"7"},{"id":"42"}]}}`, "501"},
		{"direct string id", `{"id":"501"}`, "501"},
		{"direct numeric id", `{"id":501}`, "501"},
		{"conversationId field", `{"conversationId":"501"}`, "501"},
		{"bare numeric literal", `501`, "501"},
		{"bare string literal", `"501"`, "501"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, jsonHandler(http.StatusOK, tc.body))
			res, err := client.CreateConversation(context.Background(), []string{"7", "42"}, "99", "", "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ConversationID != tc.want {
				t.Fatalf("expected id %q, got %q", tc.want, res.ConversationID)
			}
		})
	}
}

func TestCreateConversationAmbiguousShape(t *testing.T) {
	client := testClient(t, jsonHandler(http.StatusOK, `{"status":"ok"}`))

	_, err := client.CreateConversation(context.Background(), []string{"7", "42"}, "", "", "")
	if !errors.Is(err, chat.ErrCreationAmbiguous) {
		t.Fatalf("expected creation_ambiguous, got %v", err)
	}
}

func TestCreateConversationPartialFailure(t *testing.T) {
	body := `{"conversation":{"id":"501","participants":[{"id":"7"},{"id":"42"}]},"messageError":"delivery failed"}`
	client := testClient(t, jsonHandler(http.StatusOK, body))

	res, err := client.CreateConversation(context.Background(), []string{"7", "42"}, "99", "hi", "tmp-1")
	if err != nil {
		t.Fatalf("partial failure must not be an error: %v", err)
	}
	if res.ConversationID != "501" || res.MessageError != "delivery failed" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPostMessageEchoesClientID(t *testing.T) {
	client := testClient(t, jsonHandler(http.StatusOK,
		`{"id":"42","clientId":"tmp-9","conversationId":"c1","senderId":"me","body":"Hi","createdAt":"2026-08-29T10:00:00Z"}`))

	msg, err := client.PostMessage(context.Background(), "c1", "Hi", nil, "", "tmp-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != "42" || msg.ClientID != "tmp-9" || msg.State != chat.MessageConfirmed {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestBearerTokenAttached(t *testing.T) {
	var got string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		io.WriteString(w, `[]`)
	})
	client.SetToken("secret-token")

	if _, err := client.ListMine(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Bearer secret-token" {
		t.Fatalf("expected bearer header, got %q", got)
	}
}

func TestUnauthorizedMapsToDomainError(t *testing.T) {
	client := testClient(t, jsonHandler(http.StatusUnauthorized, `{"error":"invalid token"}`))

	_, err := client.ListMine(context.Background())
	var domainErr *chat.Error
	if !errors.As(err, &domainErr) || domainErr.Code != chat.ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized domain error, got %v", err)
	}
}
