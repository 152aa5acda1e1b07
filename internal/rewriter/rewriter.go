// Package rewriter rewrites file paths embedded in a JSON-RPC response
// into downloadable URLs, so an HTTP client never sees the bridge's
// internal filesystem layout.
//
// Three detection rules, applied during one recursive tree walk:
//  1. any object field named in the server's configured file-path-field
//     set (default {"file_path"}) whose value is a string path;
//  2. any absolute path under the job's working directory
//     (/<jobs_root>/<job_id>/...) appearing inside a content[].text string;
//  3. nothing else — paths that don't match either rule are left alone.
package rewriter

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// FileRef is one file surfaced to the client as a download link.
type FileRef struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Rewrite walks data (already json.Unmarshal'd into interface{}) and
// returns the (possibly mutated in place) tree plus the list of files it
// found, in first-seen order, deduplicated by filename.
func Rewrite(data interface{}, jobsRoot, jobID, baseURL string, filePathFields map[string]struct{}) (interface{}, []FileRef) {
	w := &walker{
		jobsRoot:       jobsRoot,
		jobID:          jobID,
		baseURL:        strings.TrimRight(baseURL, "/"),
		filePathFields: filePathFields,
		pathPattern:    regexp.MustCompile(regexp.QuoteMeta(filepath.Join(jobsRoot, jobID)) + `/([^\s)]+\.\w+)`),
		seen:           map[string]bool{},
	}
	return w.process(data), w.files
}

type walker struct {
	jobsRoot       string
	jobID          string
	baseURL        string
	filePathFields map[string]struct{}
	pathPattern    *regexp.Regexp
	files          []FileRef
	seen           map[string]bool
}

func (w *walker) process(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		w.scanFileFields(v)
		w.scanContentText(v)
		for k, val := range v {
			v[k] = w.process(val)
		}
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = w.process(item)
		}
		return v
	default:
		return data
	}
}

func (w *walker) scanFileFields(obj map[string]interface{}) {
	for field := range w.filePathFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		path, ok := raw.(string)
		if !ok || path == "" {
			continue
		}
		name := w.filenameFromPath(path)
		if name == "" {
			continue
		}
		url := w.downloadURL(name)
		obj["_download_url"] = url
		w.addFile(name, url)
	}
}

func (w *walker) scanContentText(obj map[string]interface{}) {
	content, ok := obj["content"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range content {
		item, ok := raw.(map[string]interface{})
		if !ok || item["type"] != "text" {
			continue
		}
		text, ok := item["text"].(string)
		if !ok || !strings.Contains(text, filepath.Join(w.jobsRoot, w.jobID)+"/") {
			continue
		}

		matches := w.pathPattern.FindAllStringSubmatch(text, -1)
		for _, m := range matches {
			name := m[1]
			url := w.downloadURL(name)
			w.addFile(name, url)
			full := filepath.Join(w.jobsRoot, w.jobID, name)
			text = strings.ReplaceAll(text, full, name)
		}
		item["text"] = text
	}
}

// filenameFromPath mirrors the child contract: an absolute path under
// this job's working directory is rewritten relative to it; any other
// relative path is used as a bare filename.
func (w *walker) filenameFromPath(path string) string {
	prefix := filepath.Join(w.jobsRoot, w.jobID) + "/"
	if strings.Contains(path, prefix) {
		parts := strings.SplitN(path, prefix, 2)
		return parts[len(parts)-1]
	}
	if !filepath.IsAbs(path) {
		return filepath.Base(path)
	}
	return ""
}

func (w *walker) downloadURL(name string) string {
	return fmt.Sprintf("%s/files/%s/%s", w.baseURL, w.jobID, name)
}

func (w *walker) addFile(name, url string) {
	if w.seen[name] {
		return
	}
	w.seen[name] = true
	w.files = append(w.files, FileRef{Type: "file", URL: url, Name: name})
}

// AppendDownloadNotice appends a text content item linking every file in
// files to response's result.content array (creating it if absent),
// Open WebUI's convention for surfacing downloadable attachments.
func AppendDownloadNotice(response map[string]interface{}, files []FileRef) {
	if len(files) == 0 {
		return
	}
	result, ok := response["result"].(map[string]interface{})
	if !ok {
		return
	}

	lines := make([]string, len(files))
	for i, f := range files {
		lines[i] = fmt.Sprintf("\U0001F4CE ダウンロード: [%s](%s)", f.Name, f.URL)
	}
	notice := strings.Join(lines, "\n")

	content, ok := result["content"].([]interface{})
	if !ok {
		result["content"] = []interface{}{
			map[string]interface{}{"type": "text", "text": notice},
		}
		return
	}
	result["content"] = append(content, map[string]interface{}{
		"type": "text",
		"text": "\n\n" + notice,
	})
}

// ApplyToResponse unmarshals response, rewrites it, appends the download
// notice if any files were found, and re-marshals.
func ApplyToResponse(response json.RawMessage, jobsRoot, jobID, baseURL string, filePathFields map[string]struct{}) (json.RawMessage, []FileRef, error) {
	var data interface{}
	if err := json.Unmarshal(response, &data); err != nil {
		return response, nil, err
	}

	rewritten, files := Rewrite(data, jobsRoot, jobID, baseURL, filePathFields)
	if obj, ok := rewritten.(map[string]interface{}); ok {
		AppendDownloadNotice(obj, files)
		rewritten = obj
	}

	out, err := json.Marshal(rewritten)
	if err != nil {
		return response, files, err
	}
	return out, files, nil
}
