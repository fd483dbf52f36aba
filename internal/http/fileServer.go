package http

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// NewFileServerHandler serves the static client from dir. / serves
// index.html. Without a dir every asset is missing.
func NewFileServerHandler(dir string) http.HandlerFunc {
	if dir == "" {
		return http.NotFound
	}
	fileServer := http.FileServer(http.FS(os.DirFS(dir)))

	return func(w http.ResponseWriter, r *http.Request) {
		// Hidden files such as .env are never served.
		for _, part := range strings.Split(r.URL.Path, "/") {
			if strings.HasPrefix(part, ".") {
				http.NotFound(w, r)
				return
			}
		}

		if r.URL.Path == "/" {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}

		// Default to file server
		fileServer.ServeHTTP(w, r)
	}
}
