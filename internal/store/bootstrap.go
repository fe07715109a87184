package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/logging"
)

// nameSuffixes are the suffixes earlier releases appended to the app name.
var nameSuffixes = []string{"", " Beta", "-beta", "_beta", " Dev", "-dev"}

// Bootstrapper adopts a store left behind by an earlier install whose data
// directory had a different name.
type Bootstrapper struct {
	dbPath     string
	mirrorPath string
	legacy     LegacyOptions
	log        zerolog.Logger
}

// NewBootstrapper creates a bootstrapper for the store at dbPath.
func NewBootstrapper(dbPath, mirrorPath string, legacy LegacyOptions, log zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		dbPath:     dbPath,
		mirrorPath: mirrorPath,
		legacy:     legacy,
		log:        logging.Component(log, "bootstrap"),
	}
}

// installRoots returns the sibling install directories to search, in order.
func (b *Bootstrapper) installRoots() []string {
	current := filepath.Clean(filepath.Dir(b.dbPath))
	parents := append([]string{filepath.Dir(current)}, b.legacy.Parents...)

	seen := map[string]bool{current: true}
	var roots []string
	for _, parent := range parents {
		if parent == "" {
			continue
		}
		for _, name := range b.legacy.AppNames {
			for _, variant := range nameVariants(name) {
				root := filepath.Clean(filepath.Join(parent, variant))
				if seen[root] {
					continue
				}
				seen[root] = true
				roots = append(roots, root)
			}
		}
	}
	return roots
}

// nameVariants permutes case and release suffixes of an app name.
func nameVariants(name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, base := range []string{name, strings.ToLower(name)} {
		for _, suffix := range nameSuffixes {
			v := base + suffix
			if base != name {
				v = strings.ToLower(v)
			}
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// FindLegacyCandidates lists existing, non-empty legacy store files in
// search order.
func (b *Bootstrapper) FindLegacyCandidates() []string {
	return b.candidates(filepath.Base(b.dbPath))
}

func (b *Bootstrapper) candidates(file string) []string {
	var found []string
	for _, root := range b.installRoots() {
		path := filepath.Join(root, file)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		found = append(found, path)
	}
	return found
}

// Adopt copies the first legacy store into place when the current store is
// absent. The mirror file is adopted on its own when it is also absent.
// It reports whether a database was adopted.
func (b *Bootstrapper) Adopt() (bool, error) {
	if exists(b.dbPath) {
		return false, nil
	}

	adopted := false
	if candidates := b.FindLegacyCandidates(); len(candidates) > 0 {
		src := candidates[0]
		if err := copyStore(src, b.dbPath); err != nil {
			return false, fmt.Errorf("failed to adopt %s: %w", src, err)
		}
		adopted = true
		b.log.Info().Str("from", src).Str("to", b.dbPath).Msg("Adopted legacy store")
	}

	if b.mirrorPath != "" && !exists(b.mirrorPath) {
		if candidates := b.candidates(filepath.Base(b.mirrorPath)); len(candidates) > 0 {
			if err := copyFileAtomic(candidates[0], b.mirrorPath); err != nil {
				return adopted, fmt.Errorf("failed to adopt mirror %s: %w", candidates[0], err)
			}
			b.log.Info().Str("from", candidates[0]).Str("to", b.mirrorPath).Msg("Adopted legacy mirror")
		}
	}
	return adopted, nil
}

// copyStore copies a database file with its WAL sidecars. Sidecars go first
// so the main file only appears once the set is complete.
func copyStore(src, dst string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		if !exists(src + suffix) {
			continue
		}
		if err := copyFileAtomic(src+suffix, dst+suffix); err != nil {
			return err
		}
	}
	return copyFileAtomic(src, dst)
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".adopt-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
