package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMemoryStoreCreateAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, User{ID: "usr_1", Username: "ada", PasswordHash: "hash", Level: 1})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	byName, err := s.GetUserByUsername(ctx, "ada")
	if err != nil || byName.ID != "usr_1" {
		t.Fatalf("GetUserByUsername() = %+v, %v", byName, err)
	}
	byID, err := s.GetUserByID(ctx, "usr_1")
	if err != nil || byID.Username != "ada" {
		t.Fatalf("GetUserByID() = %+v, %v", byID, err)
	}

	if _, err := s.CreateUser(ctx, User{ID: "usr_2", Username: "ada"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := s.GetUserByID(ctx, "usr_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateProgressIsPartial(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, User{ID: "usr_1", Username: "ada", XP: 10, Level: 2}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	xp := 250
	updated, err := s.UpdateProgress(ctx, "usr_1", Progress{XP: &xp})
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if updated.XP != 250 || updated.Level != 2 {
		t.Fatalf("unexpected progress xp=%d level=%d", updated.XP, updated.Level)
	}

	level := 5
	updated, err = s.UpdateProgress(ctx, "usr_1", Progress{Level: &level})
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if updated.XP != 250 || updated.Level != 5 {
		t.Fatalf("unexpected progress xp=%d level=%d", updated.XP, updated.Level)
	}
}

func TestMemoryStoreErrorReportsAreCapped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, User{ID: "usr_1", Username: "ada"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	for i := 0; i < MaxErrorReports+5; i++ {
		if err := s.AppendErrorReport(ctx, "usr_1", ErrorReport{Message: fmt.Sprintf("error %d", i)}); err != nil {
			t.Fatalf("AppendErrorReport() error = %v", err)
		}
	}
	reports, err := s.ListErrorReports(ctx, "usr_1")
	if err != nil {
		t.Fatalf("ListErrorReports() error = %v", err)
	}
	if len(reports) != MaxErrorReports {
		t.Fatalf("expected %d reports, got %d", MaxErrorReports, len(reports))
	}
	if reports[0].Message != "error 5" {
		t.Fatalf("expected oldest kept report to be error 5, got %q", reports[0].Message)
	}

	if err := s.AppendErrorReport(ctx, "usr_missing", ErrorReport{Message: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
