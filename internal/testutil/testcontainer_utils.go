// Package testutil starts the throwaway databases used by integration tests.
//
// Each container starts once per test binary and is reaped by testcontainers
// when the binary exits. Tests that need one are skipped under -short or
// when Docker is unavailable.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

// get starts the container on first use and returns the value built by
// address from its mapped endpoint.
func (c *sharedContainer) get(t *testing.T, image string, address func(endpoint string) string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", image)
	}

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		ctr, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			c.err = err
			return
		}

		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background()) // best-effort cleanup
			c.err = err
			return
		}
		c.endpoint = address(endpoint)
	})

	if c.err != nil {
		t.Skipf("%s container unavailable: %v", image, c.err)
	}
	return c.endpoint
}
