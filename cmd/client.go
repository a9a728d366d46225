package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/daymon/internal/config"
	"github.com/nextlevelbuilder/daymon/internal/store"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// sidecarURL reads the port discovery file and returns the control surface
// base URL. Fails when no sidecar is running.
func sidecarURL() (string, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dataDir, config.PortFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("sidecar is not running (no %s)", config.PortFileName)
		}
		return "", err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("malformed port file: %q", data)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

// notifySidecar POSTs /sync so a running sidecar picks up direct store edits
// immediately. Best-effort; the 30s sync loop covers the offline case.
func notifySidecar() {
	base, err := sidecarURL()
	if err != nil {
		return
	}
	resp, err := httpClient.Post(base+"/sync", "application/json", nil)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// openStore opens the task database for direct CLI access.
func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DBPath)
}
