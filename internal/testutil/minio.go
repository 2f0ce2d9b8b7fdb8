package testutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	MinIOImage       = "minio/minio:latest"
	MinIOPort        = "9000/tcp"
	MinIOAccessKey   = "folio"
	MinIOSecretKey   = "folio-secret"
	minioStartupWait = 30 * time.Second
)

// MinIO describes a running throwaway MinIO server.
type MinIO struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

// StartMinIO runs a MinIO container bound to a free local port and waits
// until it reports live. The container is removed when the test ends.
// Skips under -short or without Docker.
func StartMinIO(t *testing.T) MinIO {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MinIO integration test in short mode")
	}

	cli := DockerClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := ensureImage(ctx, cli, MinIOImage); err != nil {
		t.Fatalf("failed to pull %s: %v", MinIOImage, err)
	}

	hostPort, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}

	containerConfig := &container.Config{
		Image: MinIOImage,
		Cmd:   []string{"server", "/data"},
		Env: []string{
			"MINIO_ROOT_USER=" + MinIOAccessKey,
			"MINIO_ROOT_PASSWORD=" + MinIOSecretKey,
		},
		Labels: ContainerLabels(t),
		ExposedPorts: nat.PortSet{
			MinIOPort: struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			MinIOPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: hostPort},
			},
		},
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, UniqueContainerName(t, "minio"))
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		t.Fatalf("failed to start container: %v", err)
	}

	m := MinIO{
		Endpoint:  net.JoinHostPort("127.0.0.1", hostPort),
		AccessKey: MinIOAccessKey,
		SecretKey: MinIOSecretKey,
	}
	if err := waitForLive(ctx, "http://"+m.Endpoint+"/minio/health/live", minioStartupWait); err != nil {
		t.Fatalf("minio not ready: %v", err)
	}
	return m
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// waitForLive polls url until it answers 200.
func waitForLive(ctx context.Context, url string, timeout time.Duration) error {
	httpClient := &http.Client{Timeout: 2 * time.Second}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout.Seconds())),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// ensureImage pulls ref if it is not present locally.
func ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	if _, err := cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain reader to complete pull
	_, err = io.Copy(io.Discard, reader)
	return err
}
