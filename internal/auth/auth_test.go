package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("GRIEVDESK_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("user-42", []string{"Admin", "handler", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "handler") {
		t.Fatalf("roles were not normalised: %v", claims.Roles)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	SetSecret("secret-a")
	t.Cleanup(ResetSecretForTests)
	token, err := GenerateToken("user-1", []string{"owner"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	SetSecret("secret-b")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpiredAndForeignIssuer(t *testing.T) {
	SetSecret("secret")
	t.Cleanup(ResetSecretForTests)

	now := time.Now().UTC()
	cases := map[string]Claims{
		"expired": {RegisteredClaims: jwt.RegisteredClaims{
			Issuer: issuer, Subject: "u", IssuedAt: jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		}},
		"issuer": {RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "someone-else", Subject: "u", IssuedAt: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}},
		"expires before issue": {RegisteredClaims: jwt.RegisteredClaims{
			Issuer: issuer, Subject: "u", IssuedAt: jwt.NewNumericDate(now.Add(4 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Second)),
		}},
	}
	for name, claims := range cases {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("GRIEVDESK_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if Configured() {
		t.Fatal("expected auth to be unconfigured")
	}
	if _, err := GenerateToken("u", nil, time.Minute); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "handler"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "handler") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "owner") {
		t.Fatalf("unexpected role found")
	}
}

func TestEffectiveRole(t *testing.T) {
	cases := []struct {
		roles []string
		want  string
	}{
		{[]string{"owner", "admin"}, RoleAdmin},
		{[]string{"Handler", "owner"}, RoleHandler},
		{[]string{"owner"}, RoleOwner},
		{[]string{"viewer"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := EffectiveRole(tc.roles); got != tc.want {
			t.Fatalf("EffectiveRole(%v)=%q, want %q", tc.roles, got, tc.want)
		}
	}
}
