package analysis

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/scriptops/scriptops/internal/apperr"
	"github.com/scriptops/scriptops/internal/safepath"
)

// Storage maps analyses to their on-disk layout under <root>/analyses:
//
//	<root>/analyses/<id>/<fileName>      user script source
//	<root>/analyses/<id>/analysis.log    NDJSON log
//	<root>/analyses/<id>/.env            per-analysis environment
//	<root>/analyses/<id>/versions/       retained source snapshots
type Storage struct {
	root string
}

// NewStorage creates the layout helper rooted at the storage directory.
func NewStorage(root string) Storage {
	return Storage{root: filepath.Join(root, "analyses")}
}

// Dir returns the analysis directory, or an error when the id fails
// validation or escapes the root.
func (s Storage) Dir(analysisID string) (string, error) {
	path, ok := safepath.AnalysisFilePath(s.root, analysisID)
	if !ok {
		return "", apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}
	return path, nil
}

// SourcePath returns the path of the active script file.
func (s Storage) SourcePath(analysisID, fileName string) (string, error) {
	if !safepath.IsValidFilename(fileName) {
		return "", apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}
	path, ok := safepath.AnalysisFilePath(s.root, analysisID, fileName)
	if !ok {
		return "", apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}
	return path, nil
}

// LogPath returns the path of the analysis log file.
func (s Storage) LogPath(analysisID string) (string, error) {
	path, ok := safepath.AnalysisFilePath(s.root, analysisID, "analysis.log")
	if !ok {
		return "", apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}
	return path, nil
}

// EnvPath returns the path of the per-analysis dotenv file.
func (s Storage) EnvPath(analysisID string) (string, error) {
	path, ok := safepath.AnalysisFilePath(s.root, analysisID, ".env")
	if !ok {
		return "", apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}
	return path, nil
}

// versionPath returns the path of one retained snapshot.
func (s Storage) versionPath(analysisID string, version int, fileName string) (string, error) {
	if !safepath.IsValidFilename(fileName) {
		return "", apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}
	path, ok := safepath.AnalysisFilePath(s.root, analysisID, "versions",
		fmt.Sprintf("v%d_%s", version, fileName))
	if !ok {
		return "", apperr.New(apperr.ErrPathTraversal, "Invalid file path")
	}
	return path, nil
}

// WriteSource stores the script content as the active source file.
func (s Storage) WriteSource(analysisID, fileName string, content []byte) error {
	path, err := s.SourcePath(analysisID, fileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create analysis dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	return nil
}

// ReadSource returns the active script content.
func (s Storage) ReadSource(analysisID, fileName string) ([]byte, error) {
	path, err := s.SourcePath(analysisID, fileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, apperr.NotFound("Analysis file")
	}
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return data, nil
}

// SnapshotVersion copies the active source into the versions directory.
func (s Storage) SnapshotVersion(analysisID, fileName string, version int) error {
	src, err := s.SourcePath(analysisID, fileName)
	if err != nil {
		return err
	}
	dst, err := s.versionPath(analysisID, version, fileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create versions dir: %w", err)
	}
	return copyFile(src, dst)
}

// RestoreVersion copies a retained snapshot back over the active source.
func (s Storage) RestoreVersion(analysisID string, version int, fileName string) error {
	src, err := s.versionPath(analysisID, version, fileName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return apperr.NotFound("Version")
	}
	dst, err := s.SourcePath(analysisID, fileName)
	if err != nil {
		return err
	}
	return copyFile(src, dst)
}

// ReadVersion returns a retained snapshot's content.
func (s Storage) ReadVersion(analysisID string, version int, fileName string) ([]byte, error) {
	path, err := s.versionPath(analysisID, version, fileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, apperr.NotFound("Version")
	}
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	return data, nil
}

// Remove deletes the entire analysis directory, log file and snapshots
// included.
func (s Storage) Remove(analysisID string) error {
	dir, err := s.Dir(analysisID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove analysis dir: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return fmt.Errorf("copy to %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}
