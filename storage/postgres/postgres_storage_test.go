package postgres

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"github.com/kinship-auth/kinship"
	"github.com/kinship-auth/kinship/testsuite"
)

var (
	databaseURL = ""
	storage     kinship.Storage
)

func TestMain(m *testing.M) {
	databaseURL = os.Getenv("TEST_POSTGRES_DATABASE_URL")

	var cleanup func()
	if databaseURL == "" {
		var err error
		databaseURL, cleanup, err = runPostgresContainer()
		if err != nil {
			log.Fatalf("Could not start postgres: %s", err)
		}
	}

	if err := RunMigrations(databaseURL); err != nil {
		log.Fatalf("Could not migrate db: %s", err)
	}

	var err error
	storage, err = NewPostgresStorage(databaseURL)
	if err != nil {
		log.Fatalf("PostgresStorage creation failed: %v", err)
	}

	code := m.Run()

	// os.Exit doesn't care for defer, so let's explicitly purge and close...
	storage.Close()
	if cleanup != nil {
		cleanup()
	}

	os.Exit(code)
}

func runPostgresContainer() (string, func(), error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return "", nil, fmt.Errorf("could not connect to docker: %w", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15.4",
		Env: []string{
			"POSTGRES_PASSWORD=kinship",
			"POSTGRES_USER=kinship",
			"POSTGRES_DB=kinship",
			"listen_addresses = '*'",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true // Stopped container should be removed
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", nil, fmt.Errorf("could not start resource: %w", err)
	}
	resource.Expire(300) // In any case container should be killed in 5min

	hostAndPort := resource.GetHostPort("5432/tcp")
	url := fmt.Sprintf("postgres://kinship:kinship@%s/kinship?sslmode=disable", hostAndPort)

	// We connect with exponential backoff (maximum wait 2min)
	pool.MaxWait = 120 * time.Second
	if err = pool.Retry(func() error {
		db, err := sql.Open("pgx", url)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Ping()
	}); err != nil {
		return "", nil, fmt.Errorf("could not connect to postgres: %w", err)
	}

	return url, func() {
		if err := pool.Purge(resource); err != nil {
			log.Printf("Could not purge resource: %s", err)
		}
	}, nil
}

func TestPostgresWithTestSuite(t *testing.T) {
	testsuite.RunTestAll(t, map[string]kinship.Storage{
		"postgres": storage,
	})
}

func BenchmarkPostgres(b *testing.B) {
	testsuite.RunBenchmarkAll(b, map[string]kinship.Storage{
		"postgres": storage,
	})
}
