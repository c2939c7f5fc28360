package auth

import (
	"errors"
	"testing"
	"time"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate("user-1", "Operator")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	principal, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if principal.Subject != "user-1" {
		t.Errorf("Subject = %q, want %q", principal.Subject, "user-1")
	}
	if principal.Name != "Operator" {
		t.Errorf("Name = %q, want %q", principal.Name, "Operator")
	}
}

func TestJWTServiceGenerate_RequiresSubject(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	if _, err := service.Generate("   ", ""); err == nil {
		t.Error("expected error for blank subject")
	}
}

func TestJWTServiceValidate_WrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", time.Hour).Generate("user-1", "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := NewJWTService("secret-b", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceValidate_Expired(t *testing.T) {
	service := NewJWTService("secret", time.Nanosecond)
	token, err := service.Generate("user-1", "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := service.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceValidate_NoExpiry(t *testing.T) {
	service := NewJWTService("secret", 0)
	token, err := service.Generate("user-1", "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestJWTServiceValidate_Garbage(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	if _, err := service.Validate("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}
