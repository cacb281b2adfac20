// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kilocode/cloudagent/internal/session/model"
)

// backends returns one store per backend so every test runs against both.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := Open("badger", t.TempDir())
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() { _ = badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.GetSession(ctx, "sess_missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing session: got %v, want ErrNotFound", err)
			}

			rec := &model.SessionRecord{
				SessionID:      "sess_a",
				UserID:         "user_1",
				UpstreamBranch: "kilo/fix",
				CreatedAtUnix:  100,
				UpdatedAtUnix:  100,
			}
			if err := s.PutSession(ctx, rec); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := s.GetSession(ctx, "sess_a")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(rec, got); diff != "" {
				t.Errorf("session record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLeaseDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			lease := &model.LeaseRecord{
				LeaseID:       "lease_x",
				ExecutionID:   "exc_1",
				ExpiresAtUnix: 500,
				UpdatedAtUnix: 400,
			}
			if err := s.PutLease(ctx, "sess_a", lease); err != nil {
				t.Fatalf("put lease: %v", err)
			}
			got, err := s.GetLease(ctx, "sess_a")
			if err != nil {
				t.Fatalf("get lease: %v", err)
			}
			if got.LeaseID != "lease_x" {
				t.Errorf("lease id = %q", got.LeaseID)
			}

			if err := s.DeleteLease(ctx, "sess_a"); err != nil {
				t.Fatalf("delete lease: %v", err)
			}
			if _, err := s.GetLease(ctx, "sess_a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("deleted lease: got %v, want ErrNotFound", err)
			}
			// Deleting an absent lease is not an error.
			if err := s.DeleteLease(ctx, "sess_a"); err != nil {
				t.Errorf("double delete: %v", err)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("mongodb", ""); err == nil {
		t.Error("unknown backend accepted")
	}
	if _, err := Open("badger", ""); err == nil {
		t.Error("badger without path accepted")
	}
}
