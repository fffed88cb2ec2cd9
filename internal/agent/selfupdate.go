package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"fleethub/internal/service"
)

// ServiceName is the platform service the agent runs under; the installer
// and the self-update restart both target it.
const ServiceName = "fleethub-agent"

// handleUpdateCommand downloads a new agent binary and swaps it into place,
// restarting the service. Grounded on the rename-dance pattern: download to
// .new, chmod it executable, rename current to .backup, rename .new into
// place, and roll back to .backup if the final rename fails.
func handleUpdateCommand(downloadURL *string, force bool) {
	if force {
		log.Println("agent: starting forced self-update")
	} else {
		log.Println("agent: starting self-update")
	}

	currentExe, err := os.Executable()
	if err != nil {
		log.Printf("agent: failed to resolve executable path: %v", err)
		return
	}

	url := ""
	if downloadURL != nil {
		url = *downloadURL
	}
	if url == "" {
		latest := "latest"
		if v, err := fetchLatestVersion(); err == nil && v != "" {
			latest = v
			latestClean := strings.TrimPrefix(latest, "v")
			currentClean := strings.TrimPrefix(AgentVersion, "v")
			if !force && latestClean == currentClean {
				log.Printf("agent: already on latest version %s", AgentVersion)
				return
			}
		}
		url = fmt.Sprintf("https://github.com/example/fleethub/releases/download/%s/fleethub-agent-%s-%s%s",
			latest, runtime.GOOS, runtime.GOARCH, exeSuffix())
	}

	log.Printf("agent: downloading update from %s", url)
	tempPath := currentExe + ".new"
	if err := downloadFile(url, tempPath); err != nil {
		log.Printf("agent: download failed: %v", err)
		return
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tempPath, 0755); err != nil {
			log.Printf("agent: failed to set permissions on update: %v", err)
			os.Remove(tempPath)
			return
		}
	}

	backupPath := currentExe + ".backup"
	if err := os.Rename(currentExe, backupPath); err != nil {
		log.Printf("agent: failed to back up current executable: %v", err)
		os.Remove(tempPath)
		return
	}

	if err := os.Rename(tempPath, currentExe); err != nil {
		log.Printf("agent: failed to install update, rolling back: %v", err)
		os.Rename(backupPath, currentExe)
		return
	}
	os.Remove(backupPath)

	log.Println("agent: update installed, restarting")
	if err := service.Detect().Restart(ServiceName); err != nil {
		log.Printf("agent: service restart failed, exiting anyway: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	os.Exit(0)
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func downloadFile(url, path string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func fetchLatestVersion() (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(http.MethodGet, "https://api.github.com/repos/example/fleethub/releases/latest", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "fleethub-agent")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var result struct {
		TagName string `json:"tag_name"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.TagName == "" {
		return "", fmt.Errorf("github: no tag_name in response")
	}
	return result.TagName, nil
}
