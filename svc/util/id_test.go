package util

import (
	"errors"
	"testing"

	"pasteir/pkg/domain"
)

func TestGenIDFormat(t *testing.T) {
	id, err := GenID(func(string) (bool, error) { return false, nil }, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !domain.ValidID(id) {
		t.Errorf("id %q is not 6 lowercase hex chars", id)
	}
}
func TestGenIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	exists := func(id string) (bool, error) {
		_, ok := seen[id]
		return ok, nil
	}
	for i := 0; i < 10000; i++ {
		id, err := GenID(exists, DefaultIDAttempts)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s at call %d", id, i)
		}
		seen[id] = struct{}{}
	}
}
func TestGenIDExhausted(t *testing.T) {
	calls := 0
	_, err := GenID(func(string) (bool, error) {
		calls++
		return true, nil
	}, 3)
	if !errors.Is(err, domain.ErrGenerationExhausted) {
		t.Fatalf("expected ErrGenerationExhausted, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}
func TestGenIDExistsError(t *testing.T) {
	boom := errors.New("db down")
	_, err := GenID(func(string) (bool, error) { return false, boom }, 3)
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
