package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// packageInfo describes one installable agent package.
type packageInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// apiListPackages enumerates the agent packages available for download.
func (s *Server) apiListPackages(w http.ResponseWriter, r *http.Request) {
	packages := []packageInfo{}
	if s.deps.PackagesDir != "" {
		entries, err := os.ReadDir(s.deps.PackagesDir)
		if err != nil && !os.IsNotExist(err) {
			respondError(w, r, s.deps.Log, err)
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			packages = append(packages, packageInfo{Name: e.Name(), Size: info.Size()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": packages})
}

// apiDownloadPackage streams one package file. The name is restricted to
// a bare filename so the route cannot escape the packages directory.
func (s *Server) apiDownloadPackage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if s.deps.PackagesDir == "" || name == "" ||
		name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(s.deps.PackagesDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	http.ServeFile(w, r, path)
}
