package chat

import (
	"testing"
	"time"
)

func TestMessageBefore(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC()

	cases := []struct {
		name string
		a, b Message
		want bool
	}{
		{
			name: "earlier created_at wins",
			a:    Message{ID: "z", CreatedAt: base},
			b:    Message{ID: "a", CreatedAt: base.Add(time.Microsecond)},
			want: true,
		},
		{
			name: "equal created_at breaks on id",
			a:    Message{ID: "a", CreatedAt: base},
			b:    Message{ID: "b", CreatedAt: base},
			want: true,
		},
		{
			name: "identical never before itself",
			a:    Message{ID: "a", CreatedAt: base},
			b:    Message{ID: "a", CreatedAt: base},
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.a.Before(tc.b); got != tc.want {
				t.Fatalf("Before=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestConversationPeerOf(t *testing.T) {
	t.Parallel()

	direct := Conversation{Kind: KindDirect, UserA: "alice", UserB: "bob"}
	if got := direct.PeerOf("alice"); got != "bob" {
		t.Fatalf("peer of alice: %q", got)
	}
	if got := direct.PeerOf("bob"); got != "alice" {
		t.Fatalf("peer of bob: %q", got)
	}
	if got := direct.PeerOf("carol"); got != "" {
		t.Fatalf("outsider got a peer: %q", got)
	}

	room := Conversation{Kind: KindRoom, Name: "general"}
	if got := room.PeerOf("alice"); got != "" {
		t.Fatalf("room has no peers: %q", got)
	}
}

func TestFallbackProfile(t *testing.T) {
	t.Parallel()

	p := FallbackProfile("0123456789abcdef")
	if p.DisplayName != "user-01234567" {
		t.Fatalf("long id label: %q", p.DisplayName)
	}

	p = FallbackProfile("bob")
	if p.DisplayName != "user-bob" {
		t.Fatalf("short id label: %q", p.DisplayName)
	}

	p = FallbackProfile("")
	if p.DisplayName != "user-unknown" {
		t.Fatalf("empty id label: %q", p.DisplayName)
	}
}

func TestTempIDs(t *testing.T) {
	t.Parallel()

	id := NewTempID()
	if !IsTempID(id) {
		t.Fatalf("temp id not recognized: %q", id)
	}
	if IsTempID("01J5Z2W3V4X5Y6Z7A8B9C0D1E2") {
		t.Fatal("confirmed id misclassified as temp")
	}
	if NewTempID() == id {
		t.Fatal("temp ids collided")
	}
}
