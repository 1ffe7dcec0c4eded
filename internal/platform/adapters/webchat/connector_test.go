package webchat_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/deskhubhq/deskhub/internal/platform"
	"github.com/deskhubhq/deskhub/internal/platform/adapters/webchat"
)

type fakeReconciler struct {
	customers map[string]string
	profiles  map[string]platform.ProfileSnapshot
	messages  []platform.MessageUpsert
	nextID    int
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{
		customers: map[string]string{},
		profiles:  map[string]platform.ProfileSnapshot{},
	}
}

func (f *fakeReconciler) UpsertCustomer(_ context.Context, platformType platform.Type, nativeID string, profile platform.ProfileSnapshot) (string, bool, error) {
	key := string(platformType) + "/" + nativeID
	f.profiles[key] = profile
	if id, ok := f.customers[key]; ok {
		return id, false, nil
	}
	f.nextID++
	id := fmt.Sprintf("cust-%d", f.nextID)
	f.customers[key] = id
	return id, true, nil
}

func (f *fakeReconciler) UpsertMessage(_ context.Context, upsert platform.MessageUpsert) (string, bool, error) {
	f.messages = append(f.messages, upsert)
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), true, nil
}

func newConnector(t *testing.T, recon platform.Reconciler) *webchat.Connector {
	t.Helper()
	conn, err := webchat.New(slog.Default(), webchat.Config{Token: "shared"}, recon)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return conn
}

func TestHandleWebhookTokenMismatch(t *testing.T) {
	t.Parallel()
	recon := newFakeReconciler()
	conn := newConnector(t, recon)

	err := conn.HandleWebhook(context.Background(), platform.WebhookRequest{
		Body:   []byte(`{"messages":[{"visitor_id":"v1","message_id":"m1","text":"hi"}]}`),
		Header: map[string][]string{"X-Webchat-Token": {"wrong"}},
	})
	if !errors.Is(err, platform.ErrInvalidWebhook) {
		t.Fatalf("HandleWebhook() error = %v, want ErrInvalidWebhook", err)
	}
	if len(recon.messages) != 0 {
		t.Fatalf("messages persisted = %d, want 0", len(recon.messages))
	}
}

func TestHandleWebhookBatch(t *testing.T) {
	t.Parallel()
	recon := newFakeReconciler()
	conn := newConnector(t, recon)

	body := []byte(`{"messages":[
		{"visitor_id":"v1","message_id":"m1","text":"hello","sent_at":1700000000,"page_url":"https://example.com/pricing"},
		{"visitor_id":"v1","message_id":"m2","text":"anyone there?"},
		{"visitor_id":"v1","message_id":"m3","text":"   "}
	]}`)
	err := conn.HandleWebhook(context.Background(), platform.WebhookRequest{
		Body:   body,
		Header: map[string][]string{"X-Webchat-Token": {"shared"}},
	})
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}

	// One visitor, two real messages; the blank one is dropped.
	if len(recon.customers) != 1 {
		t.Fatalf("customers = %d, want 1", len(recon.customers))
	}
	if len(recon.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(recon.messages))
	}
	if recon.profiles["webchat/v1"].DisplayName != "Website visitor" {
		t.Fatalf("profile = %+v, want placeholder name", recon.profiles["webchat/v1"])
	}
	if recon.messages[0].Metadata["page_url"] != "https://example.com/pricing" {
		t.Fatalf("metadata = %v, want page_url carried through", recon.messages[0].Metadata)
	}
}

func TestSendMessageTextOnly(t *testing.T) {
	t.Parallel()
	recon := newFakeReconciler()
	conn := newConnector(t, recon)

	receipt, err := conn.SendMessage(context.Background(), "v1", platform.TextContent("an agent will reply shortly"))
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if receipt.NativeMessageID == "" {
		t.Fatal("receipt must carry a generated message id")
	}
	if len(recon.messages) != 1 || recon.messages[0].Direction != platform.DirectionOutbound {
		t.Fatalf("outbound = %+v", recon.messages)
	}
}

func TestSendMessageRejectsRichContent(t *testing.T) {
	t.Parallel()
	recon := newFakeReconciler()
	conn := newConnector(t, recon)

	for _, content := range []platform.Content{
		{Kind: platform.ContentImage, ImageURL: "https://example.com/a.png"},
		{Kind: platform.ContentTemplate, Template: &platform.Template{Title: "Survey"}},
	} {
		if _, err := conn.SendMessage(context.Background(), "v1", content); !errors.Is(err, platform.ErrUnsupportedContent) {
			t.Fatalf("SendMessage(%s) error = %v, want ErrUnsupportedContent", content.Kind, err)
		}
	}
	if len(recon.messages) != 0 {
		t.Fatalf("messages persisted = %d, want 0 for rejected sends", len(recon.messages))
	}
}

func TestResolveProfilePlaceholder(t *testing.T) {
	t.Parallel()
	conn := newConnector(t, newFakeReconciler())

	snapshot, err := conn.ResolveProfile(context.Background(), "v1")
	if err != nil {
		t.Fatalf("ResolveProfile() error = %v", err)
	}
	if snapshot.DisplayName != "Website visitor" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}
