// Package integration contains integration tests that exercise the cache
// against a real Redis backend provisioned with testcontainers.
//
// Build with the "integration" tag to run them:
//
//	go test -tags integration ./integration/...
//
// Set SKIP_DOCKER_TESTS=1 to skip the container-backed tests, or
// BUILDCACHE_TEST_REDIS_ADDR to point them at an existing server instead of
// starting a container.
package integration
