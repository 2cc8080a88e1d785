// Package dibitest starts database servers in containers for tests.
package dibitest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ory/dockertest"
)

// containerLifetime bounds how long a container outlives a crashed test.
const containerLifetime = 10 * time.Minute

type DockerServiceConfig[T any] struct {
	Image       string
	Tag         string
	Port        int
	Environment map[string]string
	// MaxWait bounds how long Connect is retried while the server starts.
	// Zero keeps the dockertest default.
	MaxWait time.Duration
	// Connect is retried until it succeeds or MaxWait passes.
	Connect func(ctx context.Context, host string, port int) (T, error)
}

func (config DockerServiceConfig[T]) env() []string {
	env := []string{}
	for key, value := range config.Environment {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	return env
}

// GetDockerService runs the configured image and returns what Connect built
// against it. The container is purged when the test ends, and a T that is
// an io.Closer is closed first. Skipped in short mode.
func GetDockerService[T any](t *testing.T, config DockerServiceConfig[T]) T {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container test in short mode.")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("Could not construct pool: %s", err)
	}

	if err := pool.Client.Ping(); err != nil {
		t.Fatalf("Could not connect to Docker: %s", err)
	}

	if config.MaxWait > 0 {
		pool.MaxWait = config.MaxWait
	}

	resource, err := pool.Run(config.Image, config.Tag, config.env())
	if err != nil {
		t.Fatalf("Could not start %s:%s: %s", config.Image, config.Tag, err)
	}

	if err := resource.Expire(uint(containerLifetime.Seconds())); err != nil {
		t.Logf("Could not set container expiry: %s", err)
	}

	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Errorf("Could not purge %s:%s: %s", config.Image, config.Tag, err)
		}
	})

	host, port, err := serviceAddress(resource.GetHostPort(fmt.Sprintf("%d/tcp", config.Port)))
	if err != nil {
		t.Fatalf("Could not resolve service address: %s", err)
	}

	var service T

	if err := pool.Retry(func() error {
		var err error
		service, err = config.Connect(t.Context(), host, port)
		return err
	}); err != nil {
		t.Fatalf("Could not connect to %s:%s: %s", config.Image, config.Tag, err)
	}

	if closer, ok := any(service).(io.Closer); ok {
		t.Cleanup(func() {
			_ = closer.Close()
		})
	}

	return service
}

// serviceAddress prefers the host of DOCKER_HOST, for daemons that are not
// on localhost, with the port published for the container.
func serviceAddress(hostPort string) (string, int, error) {
	published, err := url.Parse("tcp://" + hostPort)
	if err != nil {
		return "", 0, err
	}

	port, err := strconv.Atoi(published.Port())
	if err != nil {
		return "", 0, err
	}

	host := published.Hostname()
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		daemon, err := url.Parse(dockerHost)
		if err == nil && daemon.Scheme == "tcp" && daemon.Hostname() != "" {
			host = daemon.Hostname()
		}
	}

	return host, port, nil
}
