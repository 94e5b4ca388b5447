//go:build mage

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	testRedisAddr    = "localhost:6379"
	testPostgresConn = "host=localhost port=5432 user=postgres password=psw sslmode=disable"
)

// Tests starts redis and postgres in docker and runs every test, including the ones needing them.
func Tests() error {
	mg.Deps(dockerCheck)
	if err := dockerRun("run", "-d", "--name=experimentd-test-redis", "-p=6379:6379", "redis:6.2.6"); err != nil {
		return err
	}
	defer removeContainer("experimentd-test-redis")

	if err := dockerRun("run", "-d", "--name=experimentd-test-postgres", "-p=5432:5432",
		"-e", "POSTGRES_PASSWORD=psw", "postgres:14.2"); err != nil {
		return err
	}
	defer removeContainer("experimentd-test-postgres")

	if err := sh.Run("sleep", "3"); err != nil {
		return err
	}
	return runTests(map[string]string{
		"EXPERIMENTD_TEST_REDIS":    testRedisAddr,
		"EXPERIMENTD_TEST_POSTGRES": testPostgresConn,
	})
}

// TestsNoSetup runs the tests that need no external services.
func TestsNoSetup() error {
	return runTests(nil)
}

func runTests(env map[string]string) error {
	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join("test_reports", "internal.txt"))
	if err != nil {
		return err
	}
	defer file.Close()

	cmd := exec.Command("go", "test", "-v", "-count=1",
		"-coverprofile", filepath.Join("test_reports", "internal_coverage.out"), "./internal/...", "./cmd/...")
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = io.MultiWriter(os.Stdout, file)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func removeContainer(name string) {
	if err := dockerRun("rm", "-f", name); err != nil {
		fmt.Printf("failed to remove container %s: %v\n", name, err)
	}
}
