package artifact

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// RawSourcePackage is the package the raw project tree is copied into.
const RawSourcePackage = "working_directory"

const rawSourceInit = "# Auto generated package containing the original source at root/\n"

// IgnoredPatterns are base-name globs never copied into source bundles.
var IgnoredPatterns = []string{".git", "__pycache__", ".pytest_cache", ".tox", ".nox", "*.pyc", ".mypy_cache"}

func ignored(name string) bool {
	for _, p := range IgnoredPatterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// copyRawSource lays out dest/working_directory/__init__.py and copies src
// into dest/working_directory/root. skip is an output directory excluded
// when it lies inside src.
func copyRawSource(src, dest, skip string) error {
	pkg := filepath.Join(dest, RawSourcePackage)
	if err := os.MkdirAll(pkg, 0o755); err != nil {
		return fmt.Errorf("artifact: create %s: %w", RawSourcePackage, err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "__init__.py"), []byte(rawSourceInit), 0o644); err != nil {
		return fmt.Errorf("artifact: write package init: %w", err)
	}
	return linkTree(src, filepath.Join(pkg, "root"), skip)
}

// linkTree mirrors src into dst, hard linking regular files and copying
// when linking is not possible. Symlinks are recreated as symlinks.
func linkTree(src, dst, skip string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("artifact: resolve %s: %w", src, err)
	}
	skipAbs := ""
	if skip != "" {
		if skipAbs, err = filepath.Abs(skip); err != nil {
			return fmt.Errorf("artifact: resolve %s: %w", skip, err)
		}
	}

	return filepath.WalkDir(srcAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != srcAbs && ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && skipAbs != "" && path == skipAbs {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(srcAbs, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("artifact: read link %s: %w", path, err)
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			if err := os.Link(path, target); err == nil {
				return nil
			}
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("artifact: open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("artifact: stat %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("artifact: copy %s: %w", src, err)
	}
	return out.Close()
}
