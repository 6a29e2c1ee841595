package browse

import (
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"vodserve/internal/mediapath"
)

// Entry is one row of a directory listing.
type Entry struct {
	Name     string
	Path     string
	IsDir    bool
	Size     string
	Modified string
}

type listingData struct {
	CurrentPath string
	ParentPath  string
	HasParent   bool
	Entries     []Entry
}

// Handler serves directory listings and plain files under a media root.
// Byte-range requests are honored on files.
type Handler struct {
	root string
	log  *slog.Logger
	tmpl *template.Template
}

// NewHandler returns a Handler rooted at root.
func NewHandler(root string, log *slog.Logger) *Handler {
	return &Handler{
		root: root,
		log:  log,
		tmpl: template.Must(template.New("listing").Parse(listingTemplate)),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel, err := mediapath.Clean(r.URL.Path)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	full := filepath.Join(h.root, filepath.FromSlash(rel))

	info, err := os.Stat(full)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if info.IsDir() {
		h.serveListing(w, rel, full)
		return
	}
	h.serveFile(w, r, full)
}

func (h *Handler) serveListing(w http.ResponseWriter, rel, full string) {
	entries, err := listEntries(rel, full)
	if err != nil {
		h.log.Error("read directory", slog.String("path", full), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	data := listingData{
		CurrentPath: rel,
		Entries:     entries,
	}
	if rel != "." {
		data.HasParent = true
		if parent := path.Dir(rel); parent != "." {
			data.ParentPath = parent
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.Execute(w, data); err != nil {
		h.log.Error("render listing", slog.String("path", full), slog.String("error", err.Error()))
	}
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, full string) {
	f, err := os.Open(full)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// ServeContent handles Range, Content-Range, and content-type sniffing.
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// listEntries reads a directory and returns its rows sorted directories
// first, then case-insensitively by name.
func listEntries(rel, full string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		size := "-"
		if !de.IsDir() {
			size = humanize.IBytes(uint64(info.Size()))
		}
		entryPath := de.Name()
		if rel != "." {
			entryPath = path.Join(rel, de.Name())
		}
		entries = append(entries, Entry{
			Name:     de.Name(),
			Path:     entryPath,
			IsDir:    de.IsDir(),
			Size:     size,
			Modified: info.ModTime().Format("2006-01-02 15:04:05"),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

const listingTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Index of /{{if ne .CurrentPath "."}}{{.CurrentPath}}{{end}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
th, td { text-align: left; padding: 0.25em 1.5em 0.25em 0; }
th { border-bottom: 1px solid #ccc; }
</style>
</head>
<body>
<h1>Index of /{{if ne .CurrentPath "."}}{{.CurrentPath}}{{end}}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Modified</th></tr>
{{if .HasParent}}<tr><td><a href="/{{.ParentPath}}">..</a></td><td>-</td><td></td></tr>{{end}}
{{range .Entries}}
<tr><td><a href="/{{.Path}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td>{{.Size}}</td><td>{{.Modified}}</td></tr>
{{end}}
</table>
</body>
</html>
`
