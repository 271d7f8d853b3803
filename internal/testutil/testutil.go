// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// XMLServer serves each body in routes as application/xml at its path and
// answers 404 for anything else. The server is closed when the test ends.
func XMLServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	for path, body := range routes {
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(body))
		})
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// WriteEnvFile writes values as a dotenv file named name in dir and returns its path
func WriteEnvFile(t *testing.T, dir, name string, values map[string]string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := godotenv.Write(values, path); err != nil {
		t.Fatalf("write env file %s: %v", path, err)
	}
	return path
}
