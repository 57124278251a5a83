//go:build integration

package mariadb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/kozaktomas/face-auth/internal/database"
	"github.com/kozaktomas/face-auth/internal/facematch"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:11",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_ROOT_PASSWORD": "test",
			"MARIADB_DATABASE":      "testdb",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("root:test@tcp(%s:%s)/testdb", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	var pool *Pool
	// the port opens before the server accepts logins
	for range 30 {
		pool, err = Open(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to open pool: %v", err)
	}

	return pool, func() {
		pool.Close()
		container.Terminate(ctx)
	}
}

func TestIdentityRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewIdentityRepository(pool)

	alice := &database.StoredIdentity{
		FaceID:     "0001",
		Name:       "Alice",
		Email:      "alice@example.com",
		Model:      "dlib_resnet_v1",
		Embeddings: []facematch.Embedding{{0, 0, 0}, {0.5, 0, 0}},
	}
	if err := repo.Put(ctx, alice); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	t.Run("Get", func(t *testing.T) {
		got, err := repo.Get(ctx, "0001")
		if err != nil || got == nil {
			t.Fatalf("Get() = %v, %v", got, err)
		}
		if got.Email != "alice@example.com" || len(got.Embeddings) != 2 || got.Embeddings[1][0] != 0.5 {
			t.Errorf("Get() = %+v", got)
		}
	})

	t.Run("EmailTaken", func(t *testing.T) {
		err := repo.Put(ctx, &database.StoredIdentity{
			FaceID:     "0002",
			Email:      "ALICE@example.com",
			Embeddings: []facematch.Embedding{{1, 1, 1}},
		})
		if !errors.Is(err, database.ErrEmailTaken) {
			t.Errorf("Put() error = %v, want ErrEmailTaken", err)
		}
		// the other identity must be untouched
		got, _ := repo.Get(ctx, "0001")
		if got == nil || len(got.Embeddings) != 2 {
			t.Errorf("existing identity changed: %+v", got)
		}
	})

	t.Run("ReplaceAndOrder", func(t *testing.T) {
		_ = repo.Put(ctx, &database.StoredIdentity{FaceID: "0002", Embeddings: []facematch.Embedding{{3, 3, 3}}})
		alice.Embeddings = []facematch.Embedding{{7, 7, 7}}
		if err := repo.Put(ctx, alice); err != nil {
			t.Fatal(err)
		}

		refs, err := repo.References(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 2 || refs[0].Identity != "0001" || refs[0].Embeddings[0][0] != 7 {
			t.Errorf("References() = %+v", refs)
		}

		some, err := repo.ReferencesFor(ctx, []string{"0002"})
		if err != nil || len(some) != 1 || some[0].Identity != "0002" {
			t.Errorf("ReferencesFor() = %+v, %v", some, err)
		}
	})

	t.Run("NextFaceID", func(t *testing.T) {
		id, err := repo.NextFaceID(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if id != "0003" {
			t.Errorf("NextFaceID() = %q, want 0003", id)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		existed, err := repo.Delete(ctx, "0002")
		if err != nil || !existed {
			t.Errorf("Delete() = %v, %v", existed, err)
		}
		count, _ := repo.Count(ctx)
		if count != 1 {
			t.Errorf("Count() after delete = %d, want 1", count)
		}
	})
}
