package server

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/1ureka/rtcview/internal/directory"
	"github.com/1ureka/rtcview/internal/util"
)

// listVideos returns the clips in the storage directory whose file name
// contains label, sorted by name.
func (s *Server) listVideos(label string) ([]directory.VideoFile, error) {
	entries, err := os.ReadDir(s.storage)
	if errors.Is(err, fs.ErrNotExist) {
		return []directory.VideoFile{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := []directory.VideoFile{}
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), label) {
			continue
		}
		files = append(files, directory.VideoFile{FileName: e.Name()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FileName < files[j].FileName })
	return files, nil
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]

	files, err := s.listVideos(label)
	if err != nil {
		util.LogError("[%s] failed to list videos: %v", label, err)
		http.Error(w, "failed to list videos", http.StatusInternalServerError)
		return
	}
	writeJSON(w, files)
}

// handleVideo serves one clip. Only plain file names inside the storage
// directory that belong to the label are served.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	label, name := vars["label"], vars["file"]

	if name != filepath.Base(name) || name == "." || name == ".." || !strings.Contains(name, label) {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(s.storage, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}
