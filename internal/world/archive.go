// Package world creates, verifies, and restores zip archives of a server's
// world directories.
package world

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mcman/pkg/logx"
)

// DefaultKeep is how many backups rotation leaves behind.
const DefaultKeep = 7

// ErrNoWorlds is returned when a server directory holds nothing to back up.
var ErrNoWorlds = errors.New("no world directories found")

// Backup describes one archive on disk.
type Backup struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Archiver writes world backups under <server>/backups.
type Archiver struct {
	keep int
	log  logx.Logger
	now  func() time.Time
}

func NewArchiver(keep int, log logx.Logger) *Archiver {
	if keep <= 0 {
		keep = DefaultKeep
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Archiver{keep: keep, log: log, now: time.Now}
}

func backupDir(serverPath string) string { return filepath.Join(serverPath, "backups") }

// worldDirs returns the top-level directories whose name contains "world",
// case-insensitively.
func worldDirs(serverPath string) ([]string, error) {
	entries, err := os.ReadDir(serverPath)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.Contains(strings.ToLower(e.Name()), "world") {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// CreateBackup archives every world directory of the server into a single
// timestamped zip, verifies the archive by re-reading it, and rotates old
// backups. It returns the path of the new archive.
func (a *Archiver) CreateBackup(ctx context.Context, server, serverPath string) (string, error) {
	dirs, err := worldDirs(serverPath)
	if err != nil {
		return "", fmt.Errorf("scanning %s: %w", serverPath, err)
	}
	if len(dirs) == 0 {
		return "", ErrNoWorlds
	}

	dir := backupDir(serverPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("world_backup_%s.zip", a.now().Format("20060102_150405"))
	dest := filepath.Join(dir, name)

	a.log.Info("creating world backup",
		logx.String("server", server),
		logx.String("archive", name))

	if err := writeArchive(ctx, dest, serverPath, dirs); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	if err := verifyArchive(dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}

	if fi, err := os.Stat(dest); err == nil {
		a.log.Info("world backup verified",
			logx.String("server", server),
			logx.String("archive", name),
			logx.Int64("bytes", fi.Size()))
	}

	if err := a.Rotate(serverPath); err != nil {
		a.log.Warn("backup rotation failed", logx.String("server", server), logx.Err(err))
	}
	return dest, nil
}

func writeArchive(ctx context.Context, dest, serverPath string, dirs []string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	add := func(path string) error {
		rel, err := filepath.Rel(serverPath, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	}

	for _, d := range dirs {
		err := filepath.WalkDir(filepath.Join(serverPath, d), func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if de.IsDir() || !de.Type().IsRegular() {
				return nil
			}
			return add(path)
		})
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// verifyArchive re-opens the zip and reads every entry to the end, which
// exercises the CRC checks.
func verifyArchive(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("%s: %w", zf.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", zf.Name, err)
		}
	}
	return nil
}

// ListBackups returns the server's archives, newest first.
func (a *Archiver) ListBackups(serverPath string) ([]Backup, error) {
	entries, err := os.ReadDir(backupDir(serverPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Backup
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".zip" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Backup{
			Path:    filepath.Join(backupDir(serverPath), e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Rotate deletes the oldest archives past the configured keep count.
func (a *Archiver) Rotate(serverPath string) error {
	backups, err := a.ListBackups(serverPath)
	if err != nil {
		return err
	}
	for _, b := range backups[min(a.keep, len(backups)):] {
		if err := os.Remove(b.Path); err != nil {
			return err
		}
		a.log.Debug("rotated old backup", logx.String("archive", filepath.Base(b.Path)))
	}
	return nil
}

// Restore replaces the server's world directories with the contents of the
// given archive. Only directories present in the archive are removed first,
// so worlds not covered by the backup survive. The server must be stopped.
func (a *Archiver) Restore(ctx context.Context, serverPath, archivePath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(archivePath), err)
	}
	defer zr.Close()

	inBackup := map[string]bool{}
	for _, zf := range zr.File {
		top, _, _ := strings.Cut(zf.Name, "/")
		if strings.Contains(strings.ToLower(top), "world") {
			inBackup[top] = true
		}
	}

	existing, err := worldDirs(serverPath)
	if err != nil {
		return err
	}
	for _, d := range existing {
		if inBackup[d] {
			a.log.Info("removing world directory before restore", logx.String("dir", d))
			if err := os.RemoveAll(filepath.Join(serverPath, d)); err != nil {
				return err
			}
		}
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractOne(serverPath, zf); err != nil {
			return err
		}
	}
	a.log.Info("world restore completed", logx.String("archive", filepath.Base(archivePath)))
	return nil
}

func extractOne(serverPath string, zf *zip.File) error {
	dest := filepath.Join(serverPath, filepath.FromSlash(zf.Name))
	// Reject entries that would escape the server directory.
	if rel, err := filepath.Rel(serverPath, dest); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("archive entry %q escapes the server directory", zf.Name)
	}
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DeleteBackup removes one archive.
func (a *Archiver) DeleteBackup(path string) error {
	if err := os.Remove(path); err != nil {
		return err
	}
	a.log.Info("deleted backup", logx.String("archive", filepath.Base(path)))
	return nil
}
