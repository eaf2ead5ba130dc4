// Package testutil provides test helpers including container management
// and gateway client utilities.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/riftchat/rift/internal/config"
	"github.com/riftchat/rift/internal/storage/postgres"
)

// PostgresContainer wraps a testcontainers PostgreSQL instance.
type PostgresContainer struct {
	container testcontainers.Container
	Pool      *postgres.Pool
	RawPool   *pgxpool.Pool
	Config    config.DatabaseConfig
}

// NewPostgresContainer starts a PostgreSQL test container and returns
// a connected Pool.
//
// Precondition: Docker must be available.
// Postcondition: Returns a running container with a connected pool,
// or fails the test.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v [%s]", err, time.Since(start))
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting container host: %v", err)
	}

	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("getting mapped port: %v", err)
	}

	dbCfg := config.DatabaseConfig{
		Host:            host,
		Port:            mappedPort.Int(),
		User:            "test",
		Password:        "test",
		Name:            "test",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}

	pool, err := postgres.NewPool(ctx, dbCfg)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v [%s]", err, time.Since(start))
	}

	t.Logf("postgres container started [%s]", time.Since(start))

	pc := &PostgresContainer{
		container: container,
		Pool:      pool,
		RawPool:   pool.DB(),
		Config:    dbCfg,
	}

	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})

	return pc
}

// ApplyMigrations runs the schema creation SQL directly for tests.
// This avoids requiring the migrate tool in the test environment.
//
// Precondition: Pool must be connected.
// Postcondition: The gateway tables exist in the test database.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id             BIGINT       PRIMARY KEY,
			username       VARCHAR(64)  NOT NULL,
			discriminator  VARCHAR(8)   NOT NULL DEFAULT '0000',
			avatar         TEXT,
			bot            BOOLEAN      NOT NULL DEFAULT FALSE,
			default_status VARCHAR(16)  NOT NULL DEFAULT 'online',
			token_digest   TEXT         UNIQUE
		);
		CREATE TABLE IF NOT EXISTS guilds (
			id   BIGINT       PRIMARY KEY,
			name VARCHAR(128) NOT NULL
		);
		CREATE TABLE IF NOT EXISTS roles (
			id          BIGINT      PRIMARY KEY,
			guild_id    BIGINT      NOT NULL REFERENCES guilds (id) ON DELETE CASCADE,
			name        VARCHAR(64) NOT NULL,
			position    INT         NOT NULL DEFAULT 0,
			permissions BIGINT      NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS guild_members (
			guild_id  BIGINT      NOT NULL REFERENCES guilds (id) ON DELETE CASCADE,
			user_id   BIGINT      NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			nick      VARCHAR(64),
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (guild_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS member_roles (
			guild_id BIGINT NOT NULL,
			user_id  BIGINT NOT NULL,
			role_id  BIGINT NOT NULL REFERENCES roles (id) ON DELETE CASCADE,
			PRIMARY KEY (guild_id, user_id, role_id),
			FOREIGN KEY (guild_id, user_id)
				REFERENCES guild_members (guild_id, user_id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS presence_sessions (
			session_id TEXT        PRIMARY KEY,
			user_id    BIGINT      NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			status     VARCHAR(16) NOT NULL DEFAULT 'online',
			activities JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`

	_, err := pc.RawPool.Exec(ctx, schema)
	if err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	t.Logf("migrations applied [%s]", time.Since(start))
}

// DSN returns the connection string for the test database.
func (pc *PostgresContainer) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pc.Config.User, pc.Config.Password,
		pc.Config.Host, pc.Config.Port,
		pc.Config.Name, pc.Config.SSLMode,
	)
}

// SeedGuild inserts a guild with its base role.
//
// Precondition: migrations must be applied.
// Postcondition: The guild and a position-zero base role sharing its ID
// exist.
func (pc *PostgresContainer) SeedGuild(t *testing.T, guildID int64, name string, basePermissions int64) {
	t.Helper()
	ctx := context.Background()

	_, err := pc.RawPool.Exec(ctx,
		`INSERT INTO guilds (id, name) VALUES ($1, $2)`,
		guildID, name,
	)
	if err != nil {
		t.Fatalf("seeding guild: %v", err)
	}
	_, err = pc.RawPool.Exec(ctx,
		`INSERT INTO roles (id, guild_id, name, position, permissions)
		 VALUES ($1, $1, 'everyone', 0, $2)`,
		guildID, basePermissions,
	)
	if err != nil {
		t.Fatalf("seeding base role: %v", err)
	}
}

// SeedRole inserts a role into a seeded guild.
func (pc *PostgresContainer) SeedRole(t *testing.T, roleID, guildID int64, name string, position int, permissions int64) {
	t.Helper()
	_, err := pc.RawPool.Exec(context.Background(),
		`INSERT INTO roles (id, guild_id, name, position, permissions)
		 VALUES ($1, $2, $3, $4, $5)`,
		roleID, guildID, name, position, permissions,
	)
	if err != nil {
		t.Fatalf("seeding role %s: %v", name, err)
	}
}

// SeedMember inserts a user and joins them to a seeded guild with the
// given roles.
func (pc *PostgresContainer) SeedMember(t *testing.T, guildID, userID int64, username string, roleIDs ...int64) {
	t.Helper()
	ctx := context.Background()

	_, err := pc.RawPool.Exec(ctx,
		`INSERT INTO users (id, username) VALUES ($1, $2)`,
		userID, username,
	)
	if err != nil {
		t.Fatalf("seeding user %s: %v", username, err)
	}
	_, err = pc.RawPool.Exec(ctx,
		`INSERT INTO guild_members (guild_id, user_id) VALUES ($1, $2)`,
		guildID, userID,
	)
	if err != nil {
		t.Fatalf("seeding membership for %s: %v", username, err)
	}
	for _, roleID := range roleIDs {
		_, err = pc.RawPool.Exec(ctx,
			`INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1, $2, $3)`,
			guildID, userID, roleID,
		)
		if err != nil {
			t.Fatalf("seeding role grant for %s: %v", username, err)
		}
	}
}
