package dynconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FolderContentRequest addresses a folder by its path segments
type FolderContentRequest struct {
	Path []string `json:"path"`
}

// Dir joins the segments; a leading empty segment makes the path absolute
func (r FolderContentRequest) Dir() string {
	if len(r.Path) == 0 {
		return "."
	}
	return filepath.FromSlash(strings.Join(r.Path, "/"))
}

// FolderContent lists a folder, separating configuration scripts from other files
type FolderContent struct {
	Configurations []string `json:"configurations"`
	Files          []string `json:"files"`
	Folders        []string `json:"folders"`
}

// ListFolder returns the content of dir
func ListFolder(dir string) (*FolderContent, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read folder %s: %w", dir, err)
	}

	content := &FolderContent{
		Configurations: []string{},
		Files:          []string{},
		Folders:        []string{},
	}
	for _, entry := range entries {
		name := entry.Name()
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			content.Folders = append(content.Folders, name)
		case IsConfigurationFile(filepath.Join(dir, name)):
			content.Configurations = append(content.Configurations, name)
		default:
			content.Files = append(content.Files, name)
		}
	}
	sort.Strings(content.Configurations)
	sort.Strings(content.Files)
	sort.Strings(content.Folders)
	return content, nil
}

// IsConfigurationFile reports whether path looks like a configuration script
func IsConfigurationFile(path string) bool {
	if filepath.Ext(path) != ".star" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(data, []byte("def configuration")) &&
		bytes.Contains(data, []byte("deployment_configuration"))
}
