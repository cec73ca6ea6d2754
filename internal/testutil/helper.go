// Package testutil turns a test binary into a small HTTP service so package
// tests can supervise a real child process with a real health endpoint.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		testutil.RunHelperIfRequested()
//		os.Exit(m.Run())
//	}
package testutil

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// Environment understood by the helper service.
const (
	EnvHelper = "EDGEVISOR_HELPER" // helper mode, see Mode*
	// EnvHealthFile names a file; while it contains "down" /health answers 503.
	EnvHealthFile = "EDGEVISOR_HELPER_HEALTH_FILE"
	// EnvHealthyFor makes /health answer 503 once this duration has passed.
	EnvHealthyFor = "EDGEVISOR_HELPER_HEALTHY_FOR"
	// EnvExitAfter makes the helper exit with status 2 after this duration.
	EnvExitAfter = "EDGEVISOR_HELPER_EXIT_AFTER"
)

const (
	ModeServe = "serve" // serve /health on $PORT
	ModeExit  = "exit"  // exit immediately with status 3
	ModeHang  = "hang"  // never listen
)

// RunHelperIfRequested runs the helper and exits when EnvHelper is set.
func RunHelperIfRequested() {
	mode := os.Getenv(EnvHelper)
	if mode == "" {
		return
	}
	os.Exit(helperMain(mode))
}

// HelperCommand is the argv that starts the helper.
func HelperCommand() []string { return []string{os.Args[0]} }

// HelperEnv returns the environment for the given mode merged with extra.
func HelperEnv(mode string, extra map[string]string) map[string]string {
	m := map[string]string{EnvHelper: mode}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func helperMain(mode string) int {
	switch mode {
	case ModeExit:
		return 3
	case ModeHang:
		for {
			time.Sleep(time.Hour)
		}
	}
	if d, err := time.ParseDuration(os.Getenv(EnvExitAfter)); err == nil {
		time.AfterFunc(d, func() { os.Exit(2) })
	}
	began := time.Now()
	healthyFor, _ := time.ParseDuration(os.Getenv(EnvHealthyFor))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthyFor > 0 && time.Since(began) > healthyFor {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f := os.Getenv(EnvHealthFile); f != "" {
			if b, err := os.ReadFile(f); err == nil && strings.TrimSpace(string(b)) == "down" {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/env", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "%s\n%s\n%s", os.Getenv("PORT"), os.Getenv("APP_TOKEN"), strings.Join(os.Args[1:], " "))
	})

	addr := net.JoinHostPort("127.0.0.1", os.Getenv("PORT"))
	var (
		ln  net.Listener
		err error
	)
	for attempt := 0; attempt < 20; attempt++ {
		if ln, err = net.Listen("tcp", addr); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper listen:", err)
		return 4
	}
	_ = http.Serve(ln, mux)
	return 0
}

// WriteFile replaces the content of path, failing the process on error.
func WriteFile(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		panic(err)
	}
}
