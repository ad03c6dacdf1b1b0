package buildqueue

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// unpack extracts a gzipped tar into a fresh per-deployment working
// directory under root, named by service and deployment id per spec.md §6's
// on-disk layout, and returns that directory's path.
func unpack(root, serviceName string, id uuid.UUID, data []byte) (string, error) {
	workdir := filepath.Join(root, fmt.Sprintf("%s-%s", serviceName, id.String()))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", fmt.Errorf("buildqueue: create workdir: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("buildqueue: open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("buildqueue: read tar entry: %w", err)
		}

		target := filepath.Join(workdir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(workdir)+string(os.PathSeparator)) && target != filepath.Clean(workdir) {
			return "", fmt.Errorf("buildqueue: tar entry %q escapes working directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("buildqueue: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("buildqueue: mkdir %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return "", fmt.Errorf("buildqueue: create %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return "", fmt.Errorf("buildqueue: write %s: %w", target, err)
			}
			f.Close()
		}
	}

	return workdir, nil
}

// gitInfo is the nice-to-have metadata SPEC_FULL.md §3 restores from
// original_source: the commit id and branch of the unpacked tree, read
// directly from .git without shelling out. Never a build precondition: a
// missing or unreadable .git/HEAD yields all-nil fields, and a branch whose
// loose ref file cannot be read (for example a ref kept only in
// packed-refs) yields the branch with a nil commit id. Commit message and dirty-tree detection
// would require parsing packed/loose git objects and are not worth the
// weight for a display-only field; left unset.
type gitInfo struct {
	commitID *string
	branch   *string
}

func readGitInfo(workdir string) gitInfo {
	headPath := filepath.Join(workdir, ".git", "HEAD")
	raw, err := os.ReadFile(headPath)
	if err != nil {
		return gitInfo{}
	}
	head := strings.TrimSpace(string(raw))

	var branch *string
	var ref string
	if strings.HasPrefix(head, "ref: ") {
		ref = strings.TrimPrefix(head, "ref: ")
		b := filepath.Base(ref)
		branch = &b
	}

	var commitID *string
	if ref != "" {
		refPath := filepath.Join(workdir, ".git", filepath.FromSlash(ref))
		if b, err := os.ReadFile(refPath); err == nil {
			id := strings.TrimSpace(string(b))
			commitID = &id
		}
	} else if head != "" {
		id := head
		commitID = &id
	}

	return gitInfo{commitID: commitID, branch: branch}
}
