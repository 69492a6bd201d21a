package auth

import (
	"errors"
	"testing"

	"kama_relay_server/pkg/errorx"
	"kama_relay_server/pkg/util/jwt"
)

func TestVerify(t *testing.T) {
	jwt.Init("test-secret", "kama_chat", 5)
	token, err := jwt.GenerateAccessToken("u1")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewAuthService()

	id, err := svc.Verify(token)
	if err != nil || id != "u1" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	if id, err := svc.Verify("Bearer " + token); err != nil || id != "u1" {
		t.Fatalf("bearer prefix: id=%q err=%v", id, err)
	}

	for _, bad := range []string{"", "garbage", token + "x"} {
		if _, err := svc.Verify(bad); !errors.Is(err, errorx.ErrAuth) {
			t.Fatalf("token %q: expected AuthError, got %v", bad, err)
		}
	}

	jwt.Init("other-secret", "kama_chat", 5)
	if _, err := svc.Verify(token); !errors.Is(err, errorx.ErrAuth) {
		t.Fatalf("token signed with another secret: %v", err)
	}
}
