package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"aiexec-sandbox/internal/monitor"
	"aiexec-sandbox/internal/sandbox"
)

func newBenchRunner(b *testing.B) *sandbox.Runner {
	b.Helper()
	ctx := context.Background()
	client, err := sandbox.NewClient(ctx, "/run/containerd/containerd.sock", "aiexec-bench")
	if err != nil {
		b.Skipf("containerd not available: %v", err)
	}
	b.Cleanup(func() { client.Close() })

	runner, err := sandbox.NewRunner(ctx, client)
	if err != nil {
		b.Fatalf("failed to create runner: %v", err)
	}
	return runner
}

func BenchmarkExecution(b *testing.B) {
	runner := newBenchRunner(b)
	ctx := context.Background()

	languages := []struct {
		name string
		code string
	}{
		{"python", "print('hello')"},
		{"node", "console.log('hello')"},
		{"bash", "echo hello"},
	}

	for _, lang := range languages {
		b.Run(lang.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, err := runner.Execute(ctx, sandbox.Request{
					Code:     lang.code,
					Language: lang.name,
					Timeout:  10 * time.Second,
					Limits:   sandbox.DefaultLimits(),
				})
				if err != nil {
					b.Fatalf("execution failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkConcurrentExecutions(b *testing.B) {
	runner := newBenchRunner(b)
	ctx := context.Background()

	concurrencyLevels := []int{10, 50, 100}

	for _, conc := range concurrencyLevels {
		b.Run(fmt.Sprintf("concurrent_%d", conc), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				var wg sync.WaitGroup
				wg.Add(conc)

				for j := 0; j < conc; j++ {
					go func() {
						defer wg.Done()
						_, _ = runner.Execute(ctx, sandbox.Request{
							Code:     "print('hello')",
							Language: "python",
							Timeout:  10 * time.Second,
							Limits:   sandbox.DefaultLimits(),
						})
					}()
				}

				wg.Wait()
			}
		})
	}
}

func BenchmarkEscapeDetector(b *testing.B) {
	detector := monitor.NewEscapeDetector()

	codes := []struct {
		name string
		code string
	}{
		{"benign", "print('hello world')"},
		{"suspicious", "cat /proc/self/root/etc/shadow"},
		{"complex", `
import os, sys, ctypes
os.system('cat /proc/self/ns/mnt')
ctypes.CDLL(None).init_module(0, 0, 0)
import urllib.request
urllib.request.urlopen('http://169.254.169.254/latest/meta-data/')
`},
	}

	for _, tc := range codes {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				detector.AnalyzeCode(tc.code)
			}
		})
	}
}

func TestStartupLatency(t *testing.T) {
	ctx := context.Background()
	client, err := sandbox.NewClient(ctx, "/run/containerd/containerd.sock", "aiexec-latency")
	if err != nil {
		t.Skipf("containerd not available: %v", err)
	}
	defer client.Close()

	runner, err := sandbox.NewRunner(ctx, client)
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}

	// Warm up — pull images
	for _, lang := range []string{"python", "bash"} {
		_, _ = runner.Execute(ctx, sandbox.Request{
			Code: "echo warmup", Language: lang,
			Timeout: 30 * time.Second, Limits: sandbox.DefaultLimits(),
		})
	}

	const iterations = 5
	var totalDuration time.Duration

	for range iterations {
		start := time.Now()
		outcome, err := runner.Execute(ctx, sandbox.Request{
			Code:     "echo ok",
			Language: "bash",
			Timeout:  10 * time.Second,
			Limits:   sandbox.DefaultLimits(),
		})
		elapsed := time.Since(start)
		totalDuration += elapsed

		if err != nil {
			t.Fatalf("execution failed: %v", err)
		}
		if outcome.ExitCode != 0 {
			t.Fatalf("non-zero exit code: %d", outcome.ExitCode)
		}
	}

	avgLatency := totalDuration / iterations
	t.Logf("Average execution latency: %s", avgLatency)

	if avgLatency > 5*time.Second {
		t.Errorf("average latency too high: %s (target: <5s for cold start)", avgLatency)
	}
}
