package autorun

import (
	"archive/zip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
)

// manifestVersion is bumped when the archive layout changes.
const manifestVersion = 1

// Manifest describes an exported playbook archive.
type Manifest struct {
	Version      int               `json:"version"`
	Name         string            `json:"name"`
	Documents    []string          `json:"documents"`
	LoopEnabled  bool              `json:"loopEnabled"`
	MaxLoops     *int              `json:"maxLoops,omitempty"`
	Prompt       string            `json:"prompt,omitempty"`
	Worktree     *WorktreeSettings `json:"worktreeSettings,omitempty"`
	ExportedAt   time.Time         `json:"exportedAt"`
}

// ExportPlaybook writes a playbook and its documents to a zip archive at
// dest. Documents that no longer exist on disk are skipped and dropped from
// the manifest.
func ExportPlaybook(p *Playbook, folderPath, dest string, log *logger.Logger) error {
	f, err := os.Create(dest)
	if err != nil {
		return errors.PersistenceFailure("playbook export", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	manifest := Manifest{
		Version:     manifestVersion,
		Name:        p.Name,
		LoopEnabled: p.LoopEnabled,
		MaxLoops:    p.MaxLoops,
		Prompt:      p.Prompt,
		Worktree:    p.Worktree,
		ExportedAt:  time.Now().UTC(),
	}

	for _, doc := range p.Documents {
		data, readErr := os.ReadFile(filepath.Join(folderPath, doc))
		if readErr != nil {
			log.Warn("skipping missing document on export",
				zap.String("document", doc),
				zap.Error(readErr))
			continue
		}
		w, createErr := zw.Create("documents/" + doc)
		if createErr != nil {
			zw.Close()
			return errors.PersistenceFailure("playbook export", createErr)
		}
		if _, writeErr := w.Write(data); writeErr != nil {
			zw.Close()
			return errors.PersistenceFailure("playbook export", writeErr)
		}
		manifest.Documents = append(manifest.Documents, doc)
	}

	mw, err := zw.Create("manifest.json")
	if err != nil {
		zw.Close()
		return errors.PersistenceFailure("playbook export", err)
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		zw.Close()
		return errors.PersistenceFailure("playbook export", err)
	}
	if err := zw.Close(); err != nil {
		return errors.PersistenceFailure("playbook export", err)
	}
	return nil
}

// ImportPlaybook reads an archive produced by ExportPlaybook into a
// session: documents are copied into the session's Auto Run folder
// (overwriting same-named files) and a new playbook is appended with fresh
// identifiers. Returns the imported playbook.
func ImportPlaybook(store *Store, sessionID, folderPath, src string, log *logger.Logger) (*Playbook, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, errors.BadRequest("not a playbook archive")
	}
	defer zr.Close()

	var manifest *Manifest
	for _, zf := range zr.File {
		if zf.Name == "manifest.json" {
			rc, openErr := zf.Open()
			if openErr != nil {
				return nil, errors.BadRequest("unreadable playbook archive")
			}
			decodeErr := json.NewDecoder(rc).Decode(&manifest)
			rc.Close()
			if decodeErr != nil {
				return nil, errors.BadRequest("malformed playbook manifest")
			}
			break
		}
	}
	if manifest == nil {
		return nil, errors.BadRequest("playbook archive has no manifest")
	}
	if manifest.Version > manifestVersion {
		return nil, errors.BadRequest("playbook archive from a newer version")
	}

	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		return nil, errors.PersistenceFailure("playbook import", err)
	}

	var documents []string
	for _, zf := range zr.File {
		name, ok := strings.CutPrefix(zf.Name, "documents/")
		if !ok || name == "" {
			continue
		}
		// Reject traversal in archive member names.
		if name != filepath.Base(name) {
			log.Warn("skipping archive member with path separators", zap.String("name", zf.Name))
			continue
		}
		if err := extractFile(zf, filepath.Join(folderPath, name)); err != nil {
			return nil, errors.PersistenceFailure("playbook import", err)
		}
		documents = append(documents, name)
	}

	p := &Playbook{
		Name:        manifest.Name,
		Documents:   documents,
		LoopEnabled: manifest.LoopEnabled,
		MaxLoops:    manifest.MaxLoops,
		Prompt:      manifest.Prompt,
		Worktree:    manifest.Worktree,
	}
	if err := store.Upsert(sessionID, p); err != nil {
		return nil, err
	}
	return p, nil
}

func extractFile(zf *zip.File, dest string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
