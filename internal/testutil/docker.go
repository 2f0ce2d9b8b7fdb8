// Package testutil starts throwaway backends in Docker for integration tests.
// Every container is labelled with the test that owns it and removed when that
// test finishes, so a failed run leaves nothing behind.
package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// CleanupLabel marks folio test containers; its value is the owning test name.
const CleanupLabel = "folio-test"

const maxNameLen = 30

// TestingT is the part of *testing.T the container helpers need.
type TestingT interface {
	Name() string
	Cleanup(func())
	Logf(format string, args ...any)
	Fatalf(format string, args ...any)
	Skipf(format string, args ...any)
	Helper()
}

// DockerClient connects to the local daemon, skipping t when there is none.
// Containers labelled for t are removed in t's cleanup.
func DockerClient(t TestingT) *client.Client {
	t.Helper()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		t.Skipf("docker is not running: %v", err)
		return nil
	}

	t.Cleanup(func() {
		removeContainers(t, cli)
		cli.Close()
	})
	return cli
}

// UniqueContainerName returns folio-test-<service>-<test>-<random>.
func UniqueContainerName(t TestingT, service string) string {
	t.Helper()
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("folio-test-%s-%s-%s", service, containerSafe(t.Name()), hex.EncodeToString(suffix))
}

// ContainerLabels ties a container to t for cleanup.
func ContainerLabels(t TestingT) map[string]string {
	return map[string]string{CleanupLabel: t.Name()}
}

func removeContainers(t TestingT, cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owned := filters.NewArgs(filters.Arg("label", CleanupLabel+"="+t.Name()))
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: owned})
	if err != nil {
		t.Logf("listing test containers: %v", err)
		return
	}

	for _, c := range containers {
		// Force removal kills a running backend; its data volume goes with it.
		err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil {
			t.Logf("removing container %s: %v", c.ID[:12], err)
		}
	}
}

// containerSafe maps a test name onto Docker's container name alphabet.
func containerSafe(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '/', r == '_', r == '-':
			return '-'
		}
		return -1
	}, name)
	if len(safe) > maxNameLen {
		safe = safe[:maxNameLen]
	}
	return safe
}
