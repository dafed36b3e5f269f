package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// maxBackups bounds how many timestamped copies of config.yaml are kept;
	// BackupUserConfig prunes the oldest beyond this after each new backup.
	maxBackups = 3

	backupSuffix = ".bak"

	// backupStampLayout names backup files config.yaml.bak.<stamp>. The
	// stamp doubles as the creation time, so listing never has to trust
	// filesystem mtimes (which a copy or restore would clobber).
	backupStampLayout = "20060102-150405"
)

// Backup is one saved copy of the user config file.
type Backup struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupUserConfig copies the current config.yaml aside under a timestamped
// name and prunes backups beyond maxBackups. Returns the new backup's path,
// or "" with a nil error when there is no config file to copy.
func BackupUserConfig() (string, error) {
	configPath := GetUserConfigPath()
	if !UserConfigExists() {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("reading config for backup: %w", err)
	}

	stamp := time.Now().UTC().Format(backupStampLayout)
	backupPath := configPath + backupSuffix + "." + stamp
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing config backup: %w", err)
	}

	// Pruning is best-effort: the backup itself already succeeded.
	pruneBackups()

	return backupPath, nil
}

// ListUserConfigBackups returns the config backups on disk, newest first.
// The creation time comes from each file's name stamp; files under the
// config directory that don't parse as a backup name are ignored.
func ListUserConfigBackups() ([]Backup, error) {
	configPath := GetUserConfigPath()
	entries, err := os.ReadDir(filepath.Dir(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing config directory: %w", err)
	}

	prefix := filepath.Base(configPath) + backupSuffix + "."
	var backups []Backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		stamp := strings.TrimPrefix(entry.Name(), prefix)
		createdAt, err := time.Parse(backupStampLayout, stamp)
		if err != nil {
			continue
		}
		backups = append(backups, Backup{
			Path:      filepath.Join(filepath.Dir(configPath), entry.Name()),
			CreatedAt: createdAt,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	return backups, nil
}

// pruneBackups removes backups beyond maxBackups, oldest first.
func pruneBackups() {
	backups, err := ListUserConfigBackups()
	if err != nil || len(backups) <= maxBackups {
		return
	}
	for _, b := range backups[maxBackups:] {
		_ = os.Remove(b.Path)
	}
}

// RestoreUserConfig replaces the user config file with the contents of
// backupPath. The backup must parse and validate as a voxcore config before
// anything is overwritten, so restoring a truncated or foreign file can't
// leave the engine unable to start. Any current config is backed up first.
func RestoreUserConfig(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("reading backup %s: %w", backupPath, err)
	}

	restored := NewConfig()
	if err := yaml.Unmarshal(data, restored); err != nil {
		return fmt.Errorf("backup %s is not a valid config file: %w", backupPath, err)
	}
	if err := restored.Validate(); err != nil {
		return fmt.Errorf("backup %s fails validation: %w", backupPath, err)
	}

	if UserConfigExists() {
		if _, err := BackupUserConfig(); err != nil {
			return fmt.Errorf("backing up current config before restore: %w", err)
		}
	}

	configPath := GetUserConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("writing restored config: %w", err)
	}

	return nil
}
