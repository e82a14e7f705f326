// Package docker implements the container-backed Sandbox Driver (C1): one
// ephemeral container per test, auto-removed on exit, CPU/memory/wall-clock
// capped. Grounded on the teacher's internal/driver/docker package, reshaped
// from the teacher's long-lived "create, exec in, stream JSON-RPC" model
// into a single Execute-to-completion call, matching the original system's
// test-runner-docker/main.py (client.containers.run, wait, collect logs,
// auto-remove).
package docker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/kestrelrun/testforge/internal/metrics"
	"github.com/kestrelrun/testforge/internal/proto"
	"github.com/kestrelrun/testforge/internal/sandbox"
)

const (
	// Name identifies this backend in the driver registry.
	Name = "docker"

	// ManagedLabel tags every container this driver creates, so a
	// best-effort startup sweep can reap anything an earlier crashed
	// process leaked.
	ManagedLabel = "xyz.testforge.managed"

	workDir = "/test"
)

// Driver implements sandbox.Driver using the Docker engine.
type Driver struct {
	cli            *client.Client
	fallbackImage  string
	allowFallback  bool
}

// Config holds the subset of config.Sandbox this backend consumes, passed
// via the map[string]any the registry factory receives.
type Config struct {
	AllowFallbackImage bool
	FallbackImage      string
}

// New creates a new Driver. cfg["allow_fallback_image"] and
// cfg["fallback_image"] let an operator opt into a substitute image when the
// requested one can't be pulled, off by default since silently swapping
// images would change what a test actually runs against.
func New(cfg map[string]any) (sandbox.Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	d := &Driver{cli: cli}
	if v, ok := cfg["allow_fallback_image"].(bool); ok {
		d.allowFallback = v
	}
	if v, ok := cfg["fallback_image"].(string); ok && v != "" {
		d.fallbackImage = v
	}

	go cleanupOrphans(cli)

	return d, nil
}

func init() {
	sandbox.Register(Name, New)
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error {
	return d.cli.Close()
}

func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to list orphaned sandbox containers")
		return
	}

	count := 0
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("container_id", c.ID).Err(err).Msg("failed to remove orphaned sandbox container")
			continue
		}
		count++
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("removed orphaned sandbox containers on startup")
	}
}

// Execute provisions a fresh container, runs the test's source to
// completion or wall-timeout, captures logs, and unconditionally removes the
// container before returning, so a crashed or killed test never leaves a
// container behind.
func (d *Driver) Execute(ctx context.Context, spec sandbox.Spec) (proto.TestResult, error) {
	if err := spec.Validate(); err != nil {
		return proto.TestResult{TestID: spec.TestID, Success: false, Error: proto.ErrorString(err)}, err
	}

	image, err := d.resolveImage(ctx, spec.Image)
	if err != nil {
		return sandbox.MapResult(spec.TestID, 0, false, "", 0, err), nil
	}

	containerName := fmt.Sprintf("test-%s-%08x", sanitizeName(spec.TestID), rand.Uint32())

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.MemLimitMB * 1024 * 1024,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeTmpfs, Target: workDir},
		},
		NetworkMode: "none",
	}

	labels := map[string]string{ManagedLabel: "true"}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      image,
			Cmd:        []string{"sh", "-c", execScript(spec.Source)},
			Labels:     labels,
			WorkingDir: workDir,
		},
		hostConfig, nil, nil, containerName,
	)
	if err != nil {
		return sandbox.MapResult(spec.TestID, 0, false, "", 0, fmt.Errorf("create container: %w", err)), nil
	}
	metrics.SandboxesCreated.Inc()

	// Defense-in-depth: if the explicit remove below is never reached
	// (process crash), this still bounds the leak to TTLAfterFinished.
	go d.ttlSafetyNet(resp.ID, spec.TTLAfterFinished)

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(cleanupCtx, resp.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			log.Warn().Str("container_id", resp.ID).Str("test_id", spec.TestID).Err(err).Msg("sandbox cleanup failed, leaking container")
		} else {
			metrics.SandboxesDestroyed.Inc()
		}
	}()

	start := time.Now()

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return sandbox.MapResult(spec.TestID, 0, false, "", time.Since(start), fmt.Errorf("start container: %w", err)), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, spec.WallTimeout)
	defer cancel()

	statusCh, errCh := d.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int
	var timedOut bool
	select {
	case err := <-errCh:
		if err != nil {
			if waitCtx.Err() != nil {
				timedOut = true
			} else {
				return sandbox.MapResult(spec.TestID, 0, false, d.collectLogs(spec.TestID, resp.ID, spec.LogCapBytes), time.Since(start), err), nil
			}
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-waitCtx.Done():
		timedOut = true
	}

	wallTime := time.Since(start)
	output := d.collectLogs(spec.TestID, resp.ID, spec.LogCapBytes)

	if timedOut {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		d.cli.ContainerKill(cleanupCtx, resp.ID, "KILL")
		cancel()
	}

	return sandbox.MapResult(spec.TestID, exitCode, timedOut, output, wallTime, nil), nil
}

func (d *Driver) collectLogs(testID, containerID string, capBytes int64) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reader, err := d.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		log.Warn().Str("test_id", testID).Err(err).Msg("failed to collect sandbox logs")
		return ""
	}
	defer reader.Close()

	var out, errOut strings.Builder
	_, _ = stdcopy.StdCopy(&out, &errOut, reader)

	combined := out.String()
	if errOut.Len() > 0 {
		combined += errOut.String()
	}
	return sandbox.TruncateLog(combined, capBytes)
}

// ttlSafetyNet force-removes a container after ttl elapses regardless of
// whether the caller's explicit cleanup ran, so a crash between container
// creation and the deferred remove above still bounds how long a leaked
// container can live.
func (d *Driver) ttlSafetyNet(containerID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	time.Sleep(ttl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			log.Warn().Str("container_id", containerID).Err(err).Msg("ttl safety-net cleanup failed")
		}
	}
}

// resolveImage ensures the requested image exists locally, pulling it if
// not, and only falls back to a generic image when the driver was
// explicitly configured to allow it: silently swapping images would change
// what a test actually runs against.
func (d *Driver) resolveImage(ctx context.Context, image string) (string, error) {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return image, nil
	} else if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("inspect image %s: %w", image, err)
	}

	log.Info().Str("image", image).Msg("sandbox image not found locally, pulling")
	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err == nil {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		return image, nil
	}

	if d.allowFallback && d.fallbackImage != "" && d.fallbackImage != image {
		log.Warn().Str("requested_image", image).Str("fallback_image", d.fallbackImage).
			Msg("falling back to configured generic image after pull failure")
		if _, _, ferr := d.cli.ImageInspectWithRaw(ctx, d.fallbackImage); ferr == nil {
			return d.fallbackImage, nil
		}
		if freader, ferr := d.cli.ImagePull(ctx, d.fallbackImage, types.ImagePullOptions{}); ferr == nil {
			_, _ = io.Copy(io.Discard, freader)
			freader.Close()
			return d.fallbackImage, nil
		}
	}

	return "", fmt.Errorf("pull image %s: %w", image, err)
}

// execScript writes source into the sandbox via a delimiter-based heredoc,
// then runs it. The source is embedded in the sh -c command line; the quoted
// delimiter stops the shell from expanding anything inside it, but a source
// containing a line that is exactly TESTFORGE_EOF ends the heredoc early.
func execScript(source string) string {
	return "cat > " + workDir + "/source.py << 'TESTFORGE_EOF'\n" +
		source +
		"\nTESTFORGE_EOF\npython3 " + workDir + "/source.py"
}

func sanitizeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "anon"
	}
	return s
}
