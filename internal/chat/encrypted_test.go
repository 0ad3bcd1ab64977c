package chat

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/4xmen/kanal/internal/models"
)

func TestIsExpiredBoundary(t *testing.T) {
	created := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	msg := models.EncryptedMessage{CreatedAt: created, ExpiresAt: created.Add(models.EncryptedMessageTTL)}

	if msg.IsExpired(created.Add(24 * time.Hour)) {
		t.Error("message must not be expired exactly at expires_at")
	}
	if !msg.IsExpired(created.Add(24*time.Hour + time.Nanosecond)) {
		t.Error("message must be expired 1ns after expires_at")
	}
}

func TestIsAuthorized(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	encryptedID, plainID := uint64(10), uint64(11)

	channels := map[uint64]models.Channel{
		encryptedID: {ID: encryptedID, IsEncrypted: true, Members: []string{"alice", "carol"}},
		plainID:     {ID: plainID, IsEncrypted: false, Members: []string{"alice", "carol"}},
	}
	lookup := func(id uint64) (models.Channel, bool) {
		ch, ok := channels[id]
		return ch, ok
	}

	base := models.EncryptedMessage{
		Author:     "alice",
		CreatedAt:  now,
		ExpiresAt:  now.Add(models.EncryptedMessageTTL),
		SharedWith: []string{"bob"},
	}
	inChannel := func(id uint64) models.EncryptedMessage {
		m := base
		m.ChannelID = &id
		return m
	}
	expired := base
	expired.ExpiresAt = now.Add(-time.Nanosecond)

	tests := []struct {
		name      string
		msg       models.EncryptedMessage
		requester string
		want      bool
	}{
		{"owner", base, "alice", true},
		{"shared", base, "bob", true},
		{"stranger", base, "mallory", false},
		{"stranger not in channel", inChannel(encryptedID), "mallory", false},
		{"member of encrypted channel", inChannel(encryptedID), "carol", true},
		{"member of plaintext channel", inChannel(plainID), "carol", false},
		{"channel missing", inChannel(99), "carol", false},
		{"expired owner", expired, "alice", false},
		{"expired shared", expired, "bob", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthorized(tt.msg, tt.requester, now, lookup); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEncryptedMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	mustRegister(t, svc, "alice", "Alice")
	mustRegister(t, svc, "bob", "Bob")
	mustRegister(t, svc, "mallory", "Mallory")

	id, err := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "  top secret  "})
	if err != nil {
		t.Fatalf("CreateEncryptedMessage failed: %v", err)
	}

	stored, ok, _ := svc.store.EncryptedMessages.Get(ctx, id)
	if !ok {
		t.Fatal("message not stored")
	}
	if stored.EncryptedContent == "top secret" {
		t.Error("content stored without envelope")
	}
	if !stored.ExpiresAt.Equal(clock.Now().Add(24 * time.Hour)) {
		t.Errorf("unexpected expiry %v", stored.ExpiresAt)
	}
	owned, _ := svc.store.Owners.IDs(ctx, "alice")
	if len(owned) != 1 || owned[0] != id {
		t.Errorf("owner index not updated: %v", owned)
	}

	plain, err := svc.DecryptEncryptedMessage(ctx, "alice", id)
	if err != nil || plain != "top secret" {
		t.Fatalf("owner decrypt: got %q, %v", plain, err)
	}
	if _, err := svc.DecryptEncryptedMessage(ctx, "bob", id); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized before sharing, got %v", err)
	}

	if err := svc.ShareEncryptedMessage(ctx, "alice", id, "bob"); err != nil {
		t.Fatalf("ShareEncryptedMessage failed: %v", err)
	}
	if plain, err := svc.DecryptEncryptedMessage(ctx, "bob", id); err != nil || plain != "top secret" {
		t.Errorf("shared decrypt: got %q, %v", plain, err)
	}

	list, err := svc.GetEncryptedMessages(ctx, "bob")
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Errorf("bob should see the shared message: %v, %v", list, err)
	}
	list, _ = svc.GetEncryptedMessages(ctx, "mallory")
	if len(list) != 0 {
		t.Errorf("mallory should see nothing, got %v", list)
	}

	if err := svc.DeleteEncryptedMessage(ctx, "bob", id); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for non-author delete, got %v", err)
	}
	if err := svc.DeleteEncryptedMessage(ctx, "alice", id); err != nil {
		t.Fatalf("DeleteEncryptedMessage failed: %v", err)
	}
	if err := svc.DeleteEncryptedMessage(ctx, "alice", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	assertNoIndexEntries(t, svc, "alice", "bob")

	clock.Advance(time.Hour)
	if _, err := svc.DecryptEncryptedMessage(ctx, "alice", id); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for deleted message, got %v", err)
	}
}

func TestShareEncryptedMessageRules(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	mustRegister(t, svc, "alice", "Alice")

	id, err := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "hello"})
	if err != nil {
		t.Fatalf("CreateEncryptedMessage failed: %v", err)
	}

	tests := []struct {
		name   string
		caller string
		id     uint64
		target string
		want   error
	}{
		{"not the author", "bob", id, "carol", ErrNotAuthorized},
		{"with the author", "alice", id, "alice", ErrInvalidInput},
		{"empty target", "alice", id, " ", ErrInvalidInput},
		{"missing message", "alice", id + 100, "bob", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.ShareEncryptedMessage(ctx, tt.caller, tt.id, tt.target); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	for i := 0; i < 2; i++ {
		if err := svc.ShareEncryptedMessage(ctx, "alice", id, "bob"); err != nil {
			t.Fatalf("share %d failed: %v", i+1, err)
		}
	}
	msg, _, _ := svc.store.EncryptedMessages.Get(ctx, id)
	if len(msg.SharedWith) != 1 {
		t.Errorf("duplicate share should be a no-op, got %v", msg.SharedWith)
	}

	for i := len(msg.SharedWith); i < MaxShares; i++ {
		if err := svc.ShareEncryptedMessage(ctx, "alice", id, "user-"+string(rune('A'+i))); err != nil {
			t.Fatalf("share %d failed: %v", i, err)
		}
	}
	if err := svc.ShareEncryptedMessage(ctx, "alice", id, "one-too-many"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput past %d shares, got %v", MaxShares, err)
	}
	if err := svc.ShareEncryptedMessage(ctx, "alice", id, "bob"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("re-sharing at the limit should be ErrInvalidInput, got %v", err)
	}

	clock.Advance(24*time.Hour + time.Nanosecond)
	if err := svc.ShareEncryptedMessage(ctx, "alice", id, "late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired message, got %v", err)
	}
}

func TestEncryptedChannelMembershipGrantsAccess(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	mustRegister(t, svc, "alice", "Alice")
	mustRegister(t, svc, "carol", "Carol")
	mustRegister(t, svc, "mallory", "Mallory")

	secret, err := svc.CreateEncryptedChannel(ctx, "alice", "Secret", nil, nil)
	if err != nil {
		t.Fatalf("CreateEncryptedChannel failed: %v", err)
	}
	if err := svc.JoinChannel(ctx, "carol", secret.ID, nil); err != nil {
		t.Fatalf("JoinChannel failed: %v", err)
	}
	plainChannel, _ := svc.CreateChannel(ctx, "alice", "Plain", nil)

	if _, err := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "x", ChannelID: ptr(plainChannel.ID)}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for plaintext channel, got %v", err)
	}
	if _, err := svc.CreateEncryptedMessage(ctx, "mallory", SendMessageRequest{Content: "x", ChannelID: ptr(secret.ID)}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for non-member, got %v", err)
	}

	// Membership is checked before the encrypted flag, and a missing channel has no members.
	senders := []struct {
		name      string
		caller    string
		channelID uint64
	}{
		{"non-member of plaintext channel", "mallory", plainChannel.ID},
		{"missing channel", "alice", 999},
	}
	for _, tt := range senders {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateEncryptedMessage(ctx, tt.caller, SendMessageRequest{Content: "x", ChannelID: ptr(tt.channelID)})
			if !errors.Is(err, ErrNotAuthorized) {
				t.Errorf("expected ErrNotAuthorized, got %v", err)
			}
			if errors.Is(err, ErrChannelNotFound) {
				t.Errorf("missing channel must not surface as ErrChannelNotFound")
			}
		})
	}

	first, err := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "first", ChannelID: ptr(secret.ID)})
	if err != nil {
		t.Fatalf("CreateEncryptedMessage failed: %v", err)
	}
	clock.Advance(time.Second)
	second, err := svc.CreateEncryptedMessage(ctx, "carol", SendMessageRequest{Content: "second", ChannelID: ptr(secret.ID)})
	if err != nil {
		t.Fatalf("CreateEncryptedMessage failed: %v", err)
	}

	if plain, err := svc.DecryptEncryptedMessage(ctx, "carol", first); err != nil || plain != "first" {
		t.Errorf("channel member decrypt: got %q, %v", plain, err)
	}
	if _, err := svc.DecryptEncryptedMessage(ctx, "mallory", first); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for non-member, got %v", err)
	}

	sealed, err := svc.GetEncryptedMessagesFromChannel(ctx, secret.ID)
	if err != nil || len(sealed) != 2 || sealed[0].ID != second {
		t.Errorf("ciphertext view: %v, %v", sealed, err)
	}
	if list, _ := svc.GetEncryptedMessagesFromChannel(ctx, plainChannel.ID); len(list) != 0 {
		t.Errorf("plaintext channel should list nothing, got %v", list)
	}
	if _, err := svc.GetEncryptedMessagesFromChannel(ctx, 999); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}

	decrypted, err := svc.DecryptChannelMessages(ctx, "carol", secret.ID)
	if err != nil {
		t.Fatalf("DecryptChannelMessages failed: %v", err)
	}
	if len(decrypted) != 2 || decrypted[0].Content != "second" || decrypted[1].Content != "first" {
		t.Fatalf("unexpected decrypted list: %+v", decrypted)
	}
	if decrypted[1].AuthorName != "Alice" || decrypted[0].AuthorName != "Carol" {
		t.Errorf("author names not resolved: %+v", decrypted)
	}

	if list, err := svc.DecryptChannelMessages(ctx, "mallory", secret.ID); err != nil || len(list) != 0 {
		t.Errorf("non-member should get an empty list, got %v, %v", list, err)
	}
}

func TestDeriveMessageKey(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	mustRegister(t, svc, "alice", "Alice")
	mustRegister(t, svc, "bob", "Bob")

	id, _ := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "k"})

	key, err := svc.DeriveMessageKey(ctx, "alice", id, nil)
	if err != nil || len(key) == 0 {
		t.Fatalf("DeriveMessageKey failed: %v", err)
	}
	again, _ := svc.DeriveMessageKey(ctx, "alice", id, nil)
	if !bytes.Equal(key, again) {
		t.Error("derivation should be deterministic")
	}
	sealed, _ := svc.DeriveMessageKey(ctx, "alice", id, []byte("transport"))
	if bytes.Equal(key, sealed) {
		t.Error("transport key should change the returned material")
	}

	if _, err := svc.DeriveMessageKey(ctx, "bob", id, nil); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}

	pub, err := svc.PublicKey(ctx)
	if err != nil || len(pub) == 0 {
		t.Errorf("PublicKey failed: %v", err)
	}
}

func TestKeyCallsWithoutDeriver(t *testing.T) {
	svc, _ := newTestService(t)
	svc.deriver = nil

	if _, err := svc.PublicKey(context.Background()); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("expected ErrKeyDerivation, got %v", err)
	}
}

type failingEnvelope struct{}

func (failingEnvelope) Seal(context.Context, uint64, string) (string, error) {
	return "", errors.New("derivation service unavailable")
}

func (failingEnvelope) Open(context.Context, uint64, string) (string, error) {
	return "", errors.New("derivation service unavailable")
}

func TestEnvelopeFailureSurfacesAsKeyDerivation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	mustRegister(t, svc, "alice", "Alice")

	id, err := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "ok"})
	if err != nil {
		t.Fatalf("CreateEncryptedMessage failed: %v", err)
	}

	svc.envelope = failingEnvelope{}
	if _, err := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "x"}); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("expected ErrKeyDerivation on seal, got %v", err)
	}
	if _, err := svc.DecryptEncryptedMessage(ctx, "alice", id); !errors.Is(err, ErrKeyDerivation) {
		t.Errorf("expected ErrKeyDerivation on open, got %v", err)
	}
}

func TestSweepRemovesExpiredMessagesAndIndices(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	mustRegister(t, svc, "alice", "Alice")

	old, _ := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "old"})
	for _, target := range []string{"bob", "carol"} {
		if err := svc.ShareEncryptedMessage(ctx, "alice", old, target); err != nil {
			t.Fatalf("share failed: %v", err)
		}
	}

	clock.Advance(12 * time.Hour)
	fresh, _ := svc.CreateEncryptedMessage(ctx, "alice", SendMessageRequest{Content: "fresh"})
	if err := svc.ShareEncryptedMessage(ctx, "alice", fresh, "carol"); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	clock.Advance(12*time.Hour + time.Nanosecond)

	removed, err := svc.Sweep(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if ok, _ := svc.store.EncryptedMessages.Contains(ctx, old); ok {
		t.Error("expired message still stored")
	}
	if ok, _ := svc.store.Shares.Contains(ctx, "bob"); ok {
		t.Error("bob's share list should be dropped once empty")
	}
	for identity, idx := range map[string]interface {
		IDs(context.Context, string) ([]uint64, error)
	}{"alice": svc.store.Owners, "carol": svc.store.Shares} {
		ids, _ := idx.IDs(ctx, identity)
		if len(ids) != 1 || ids[0] != fresh {
			t.Errorf("%s: expected only %d indexed, got %v", identity, fresh, ids)
		}
	}

	removed, err = svc.Sweep(ctx, clock.Now())
	if err != nil || removed != 0 {
		t.Errorf("second sweep: expected 0 removed, got %d (%v)", removed, err)
	}

	clock.Advance(24 * time.Hour)
	if removed, _ := svc.Sweep(ctx, clock.Now()); removed != 1 {
		t.Errorf("expected the remaining message to expire, got %d", removed)
	}
	assertNoIndexEntries(t, svc, "alice", "bob", "carol")
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSweeper(svc, time.Millisecond).Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func assertNoIndexEntries(t *testing.T, svc *Service, identities ...string) {
	t.Helper()
	ctx := context.Background()
	for _, identity := range identities {
		if ok, _ := svc.store.Owners.Contains(ctx, identity); ok {
			t.Errorf("owner index still has an entry for %s", identity)
		}
		if ok, _ := svc.store.Shares.Contains(ctx, identity); ok {
			t.Errorf("share index still has an entry for %s", identity)
		}
	}
}
