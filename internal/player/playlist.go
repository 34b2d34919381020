package player

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Track struct {
	Title  string `yaml:"title"`
	Artist string `yaml:"artist"`
	Path   string `yaml:"path"`
}

type playlistFile struct {
	Tracks []Track `yaml:"tracks"`
}

// LoadPlaylist reads a YAML playlist. Relative paths resolve against the
// playlist's directory; entries without a path are kept as placeholders.
func LoadPlaylist(path string) ([]Track, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pf playlistFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse playlist %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, t := range pf.Tracks {
		if t.Path != "" && !filepath.IsAbs(t.Path) {
			pf.Tracks[i].Path = filepath.Join(dir, t.Path)
		}
		if t.Title == "" && t.Path != "" {
			pf.Tracks[i].Title = filepath.Base(t.Path)
		}
	}

	return pf.Tracks, nil
}
