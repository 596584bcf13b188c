// File: internal/files/files.go
// Guarded filesystem operations backing the file action vocabulary. Every
// operation resolves and screens its paths before touching the disk; callers
// receive structured results rather than bare errors so the verifier can
// reason about what happened.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Guard confines file actions to a workspace and a set of explicitly allowed
// roots, and refuses sensitive system locations outright.
type Guard struct {
	workDir      string
	allowedRoots []string
	blockedPaths []string
}

// NewGuard builds a path guard. workDir, when set, is implicitly allowed.
func NewGuard(workDir string, allowedRoots, blockedPaths []string) *Guard {
	g := &Guard{
		workDir:      normalize(workDir),
		blockedPaths: normalizeAll(blockedPaths),
	}
	if g.workDir != "" {
		g.allowedRoots = append(g.allowedRoots, g.workDir)
	}
	g.allowedRoots = append(g.allowedRoots, normalizeAll(allowedRoots)...)
	return g
}

// WorkDir returns the configured workspace root.
func (g *Guard) WorkDir() string { return g.workDir }

// Resolve turns a possibly-relative path into an absolute one, anchored at
// the workspace when present.
func (g *Guard) Resolve(path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if g.workDir != "" {
		return filepath.Join(g.workDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Check validates a resolved path against the guard policy. Wildcards are
// rejected outright: glob deletion is exactly the class of mistake this layer
// exists to prevent.
func (g *Guard) Check(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if strings.ContainsAny(path, "*?") {
		return fmt.Errorf("wildcard paths are not allowed: %s", path)
	}
	norm := normalize(path)
	for _, blocked := range g.blockedPaths {
		if underPrefix(norm, blocked) {
			return fmt.Errorf("path blocked by policy: %s", path)
		}
	}
	for _, forbidden := range systemForbidden() {
		if underPrefix(norm, forbidden) {
			return fmt.Errorf("path is in a protected system location: %s", path)
		}
	}
	if len(g.allowedRoots) > 0 {
		for _, root := range g.allowedRoots {
			if underPrefix(norm, root) {
				return nil
			}
		}
		return fmt.Errorf("path is outside the allowed workspace: %s", path)
	}
	return nil
}

// Entry describes one directory listing item.
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Result is the structured outcome of a file operation.
type Result struct {
	Action  string  `json:"action"`
	Path    string  `json:"path,omitempty"`
	Content string  `json:"content,omitempty"`
	Entries []Entry `json:"entries,omitempty"`
	Count   int     `json:"count,omitempty"`
}

// Ops performs guarded file operations.
type Ops struct {
	guard *Guard
}

// NewOps wraps a guard.
func NewOps(guard *Guard) *Ops { return &Ops{guard: guard} }

// maxReadBytes caps read_file payloads so a step cannot drag an arbitrarily
// large file into evidence.
const maxReadBytes = 1 << 20

// Read returns the file's text content.
func (o *Ops) Read(path string) (*Result, error) {
	resolved, err := o.vet("read_file", path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read_file: %s is a directory", resolved)
	}
	if info.Size() > maxReadBytes {
		return nil, fmt.Errorf("read_file: %s exceeds %d bytes", resolved, maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	return &Result{Action: "read_file", Path: resolved, Content: string(data)}, nil
}

// Write creates or replaces the file. Overwriting an existing file requires
// the overwrite flag, mirroring the consent semantics of the safety gate.
func (o *Ops) Write(path, content string, overwrite bool) (*Result, error) {
	resolved, err := o.vet("write_file", path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(resolved); statErr == nil && !overwrite {
		return nil, fmt.Errorf("write_file: %s exists and overwrite is not set", resolved)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	return &Result{Action: "write_file", Path: resolved}, nil
}

// List enumerates a directory with basic metadata, sorted by name.
func (o *Ops) List(path string) (*Result, error) {
	resolved, err := o.vet("list_files", path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list_files: %w", err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := Entry{
			Name:  de.Name(),
			Path:  filepath.Join(resolved, de.Name()),
			IsDir: de.IsDir(),
		}
		if info, infoErr := de.Info(); infoErr == nil && !de.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &Result{Action: "list_files", Path: resolved, Entries: entries, Count: len(entries)}, nil
}

// Delete removes a single file. Directories are refused; recursive removal
// is deliberately not offered.
func (o *Ops) Delete(path string) (*Result, error) {
	resolved, err := o.vet("delete_file", path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("delete_file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("delete_file: %s is a directory", resolved)
	}
	if err := os.Remove(resolved); err != nil {
		return nil, fmt.Errorf("delete_file: %w", err)
	}
	return &Result{Action: "delete_file", Path: resolved}, nil
}

// Move relocates a file into a destination directory.
func (o *Ops) Move(source, destDir string) (*Result, error) {
	src, err := o.vet("move_file", source)
	if err != nil {
		return nil, err
	}
	dst, err := o.vet("move_file", destDir)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(dst, filepath.Base(src))
	if _, statErr := os.Stat(target); statErr == nil {
		return nil, fmt.Errorf("move_file: destination %s already exists", target)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("move_file: %w", err)
	}
	if err := os.Rename(src, target); err != nil {
		return nil, fmt.Errorf("move_file: %w", err)
	}
	return &Result{Action: "move_file", Path: target}, nil
}

// Copy duplicates a file into a destination directory.
func (o *Ops) Copy(source, destDir string) (*Result, error) {
	src, err := o.vet("copy_file", source)
	if err != nil {
		return nil, err
	}
	dst, err := o.vet("copy_file", destDir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("copy_file: %w", err)
	}
	target := filepath.Join(dst, filepath.Base(src))
	if _, statErr := os.Stat(target); statErr == nil {
		return nil, fmt.Errorf("copy_file: destination %s already exists", target)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("copy_file: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("copy_file: %w", err)
	}
	return &Result{Action: "copy_file", Path: target}, nil
}

// Rename changes a file's name within its directory.
func (o *Ops) Rename(source, newName string) (*Result, error) {
	src, err := o.vet("rename_file", source)
	if err != nil {
		return nil, err
	}
	if newName == "" || strings.ContainsAny(newName, `/\`) {
		return nil, fmt.Errorf("rename_file: invalid new name %q", newName)
	}
	target := filepath.Join(filepath.Dir(src), newName)
	if _, statErr := os.Stat(target); statErr == nil {
		return nil, fmt.Errorf("rename_file: %s already exists", target)
	}
	if err := os.Rename(src, target); err != nil {
		return nil, fmt.Errorf("rename_file: %w", err)
	}
	return &Result{Action: "rename_file", Path: target}, nil
}

// CreateFolder makes a directory (and parents).
func (o *Ops) CreateFolder(path string) (*Result, error) {
	resolved, err := o.vet("create_folder", path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, fmt.Errorf("create_folder: %w", err)
	}
	return &Result{Action: "create_folder", Path: resolved}, nil
}

// Exists reports whether the resolved path exists. Used by the verifier to
// confirm file-action effects.
func (o *Ops) Exists(path string) bool {
	resolved := o.guard.Resolve(path)
	_, err := os.Stat(resolved)
	return err == nil
}

func (o *Ops) vet(action, path string) (string, error) {
	resolved := o.guard.Resolve(path)
	if err := o.guard.Check(resolved); err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}
	return resolved, nil
}

func normalize(path string) string {
	if path == "" {
		return ""
	}
	norm := filepath.Clean(path)
	if runtime.GOOS == "windows" {
		norm = strings.ToLower(norm)
	}
	return norm
}

func normalizeAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if n := normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(os.PathSeparator))
}

// systemForbidden lists locations no file action may ever touch, regardless
// of allowed roots.
func systemForbidden() []string {
	if runtime.GOOS == "windows" {
		out := []string{`c:\windows`, `c:\program files`, `c:\program files (x86)`}
		if user := os.Getenv("USERNAME"); user != "" {
			out = append(out, normalize(filepath.Join(`c:\users`, user, "appdata")))
		}
		return out
	}
	return []string{"/etc", "/usr", "/bin", "/sbin", "/boot"}
}
