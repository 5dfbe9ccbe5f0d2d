package storage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ArtifactInfo describes one file in a run's artifact area.
type ArtifactInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListArtifacts walks the run's artifact directory. Paths are relative
// to the artifact root.
func ListArtifacts(runPath string) ([]ArtifactInfo, error) {
	root := filepath.Join(runPath, artifactsDir)
	var out []ArtifactInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, ArtifactInfo{Path: rel, Name: d.Name(), Size: info.Size()})
		return nil
	})
	return out, err
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
