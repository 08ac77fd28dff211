package v1

import (
	"strings"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "valid hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "valid roster update", env: Envelope{V: Version, Type: TypeRosterUpdate}},
		{name: "valid conversation create", env: Envelope{V: Version, Type: TypeConversationCreate}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeHello}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "teleport"}, wantErr: "unknown type"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
