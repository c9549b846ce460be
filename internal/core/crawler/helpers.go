package crawler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/kabegame/kabegame/internal/kerrors"
	"github.com/kabegame/kabegame/internal/model"
)

const maxScriptSleep = 5000 * time.Millisecond

// bindHelpers registers every script-visible function named in §4.7 onto
// the goja global scope.
func (r *Runtime) bindHelpers() {
	r.vm.Set("to", r.jsTo)
	r.vm.Set("to_json", r.jsToJSON)
	r.vm.Set("back", r.jsBack)
	r.vm.Set("current_url", r.jsCurrentURL)
	r.vm.Set("current_html", r.jsCurrentHTML)
	r.vm.Set("query", r.jsQuery)
	r.vm.Set("get_attr", r.jsGetAttr)
	r.vm.Set("query_by_text", r.jsQueryByText)
	r.vm.Set("find_by_text", r.jsFindByText)
	r.vm.Set("resolve_url", r.jsResolveURL)
	r.vm.Set("is_image_url", r.jsIsImageURL)
	r.vm.Set("list_local_files", r.jsListLocalFiles)
	r.vm.Set("add_progress", r.jsAddProgress)
	r.vm.Set("download_image", r.jsDownloadImage)
	r.vm.Set("download_archive", r.jsDownloadArchive)
	r.vm.Set("re_is_match", r.jsReIsMatch)
	r.vm.Set("sleep_ms", r.jsSleepMS)
	r.vm.Set("log", r.jsLog)
}

func (r *Runtime) jsTo(rawURL string) string {
	r.throwIfError(r.checkCanceled())
	resolved := r.resolveAgainstTop(rawURL)
	html, finalURL, err := r.fetchText(resolved)
	r.throwIfError(err)
	r.pushPage(page{url: finalURL, html: html})
	return finalURL
}

func (r *Runtime) jsToJSON(rawURL string) any {
	r.throwIfError(r.checkCanceled())
	resolved := r.resolveAgainstTop(rawURL)
	body, finalURL, err := r.fetchText(resolved)
	r.throwIfError(err)
	r.pushPage(page{url: finalURL, html: body})
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		r.throwIfError(kerrors.New(kerrors.KindInvalidInput, "crawler.to_json", err))
	}
	return v
}

func (r *Runtime) jsBack() {
	r.throwIfError(r.checkCanceled())
	r.popPage()
}

func (r *Runtime) jsCurrentURL() string {
	r.throwIfError(r.checkCanceled())
	p, ok := r.currentPage()
	if !ok {
		return ""
	}
	return p.url
}

func (r *Runtime) jsCurrentHTML() string {
	r.throwIfError(r.checkCanceled())
	p, ok := r.currentPage()
	if !ok {
		return ""
	}
	return p.html
}

func (r *Runtime) jsQuery(selector string) []string {
	r.throwIfError(r.checkCanceled())
	doc, ok := r.currentDoc()
	if !ok {
		return nil
	}
	var out []string
	doc.Find(translateSelector(selector)).Each(func(i int, s *goquery.Selection) {
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out
}

func (r *Runtime) jsGetAttr(selector, attr string) []string {
	r.throwIfError(r.checkCanceled())
	doc, ok := r.currentDoc()
	if !ok {
		return nil
	}
	var out []string
	doc.Find(translateSelector(selector)).Each(func(i int, s *goquery.Selection) {
		if v, exists := s.Attr(attr); exists {
			out = append(out, v)
		}
	})
	return out
}

func (r *Runtime) jsQueryByText(text string) []string {
	r.throwIfError(r.checkCanceled())
	doc, ok := r.currentDoc()
	if !ok {
		return nil
	}
	var out []string
	doc.Find("*").Each(func(i int, s *goquery.Selection) {
		if strings.Contains(s.Text(), text) {
			out = append(out, strings.TrimSpace(s.Text()))
		}
	})
	return out
}

func (r *Runtime) jsFindByText(text, tag string) []string {
	r.throwIfError(r.checkCanceled())
	doc, ok := r.currentDoc()
	if !ok {
		return nil
	}
	sel := tag
	if sel == "" {
		sel = "*"
	}
	var out []string
	doc.Find(sel).Each(func(i int, s *goquery.Selection) {
		if strings.Contains(s.Text(), text) {
			out = append(out, strings.TrimSpace(s.Text()))
		}
	})
	return out
}

func (r *Runtime) jsResolveURL(relative string) string {
	r.throwIfError(r.checkCanceled())
	return r.resolveAgainstTop(relative)
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tiff": true,
}

func (r *Runtime) jsIsImageURL(rawURL string) bool {
	r.throwIfError(r.checkCanceled())
	u, err := url.Parse(rawURL)
	if err != nil {
		return imageExtensions[strings.ToLower(filepath.Ext(rawURL))]
	}
	return imageExtensions[strings.ToLower(filepath.Ext(u.Path))]
}

func (r *Runtime) jsListLocalFiles(folderURL string, extensions []string, recursive bool) []string {
	r.throwIfError(r.checkCanceled())
	root := strings.TrimPrefix(folderURL, "file://")
	root, err := filepath.Abs(root)
	r.throwIfError(err)

	allowed := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		allowed[strings.ToLower(e)] = true
	}

	var out []string
	walker := func(path string, isDir bool) error {
		if isDir {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil // path-traversal rejection (§4.7)
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		out = append(out, "file://"+path)
		return nil
	}

	if recursive {
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			return walker(path, info.IsDir())
		})
	} else {
		entries, derr := os.ReadDir(root)
		err = derr
		if err == nil {
			for _, e := range entries {
				_ = walker(filepath.Join(root, e.Name()), e.IsDir())
			}
		}
	}
	r.throwIfError(err)
	return out
}

func (r *Runtime) jsAddProgress(delta float64) {
	r.throwIfError(r.checkCanceled())
	r.mu.Lock()
	r.progress += delta
	if r.progress < 0 {
		r.progress = 0
	}
	if r.progress > 99.9 {
		r.progress = 99.9
	}
	current := r.progress
	r.mu.Unlock()

	r.events.Emit("task-progress", map[string]any{
		"taskId":   r.taskID,
		"progress": current,
	})
}

func (r *Runtime) jsDownloadImage(rawURL string) {
	r.throwIfError(r.checkCanceled())
	resolved := r.resolveAgainstTop(rawURL)
	req := model.DownloadRequest{
		URL:           resolved,
		ImagesDir:     r.imagesDir,
		PluginID:      r.pluginID,
		TaskID:        r.taskID,
		StartTime:     time.Now(),
		OutputAlbumID: r.outputAlbumID,
		ArchiveType:   model.ArchiveNone,
	}
	r.throwIfError(r.dispatcher.Submit(req))
}

func (r *Runtime) jsDownloadArchive(rawURL string, archiveType string) {
	r.throwIfError(r.checkCanceled())
	resolved := r.resolveAgainstTop(rawURL)
	req := model.DownloadRequest{
		URL:           resolved,
		ImagesDir:     r.imagesDir,
		PluginID:      r.pluginID,
		TaskID:        r.taskID,
		StartTime:     time.Now(),
		OutputAlbumID: r.outputAlbumID,
		ArchiveType:   model.ArchiveType(strings.ToLower(archiveType)),
		TempDirGuard:  model.NewTempDirGuard(filepath.Join(r.imagesDir, ".tmp-"+uuid.NewString())),
	}
	r.throwIfError(r.dispatcher.Submit(req))
}

func (r *Runtime) jsReIsMatch(pattern, text string) bool {
	r.throwIfError(r.checkCanceled())
	re, err := regexp.Compile(pattern)
	r.throwIfError(err)
	return re.MatchString(text)
}

func (r *Runtime) jsSleepMS(n int64) {
	r.throwIfError(r.checkCanceled())
	if n < 0 {
		n = 0
	}
	d := time.Duration(n) * time.Millisecond
	if d > maxScriptSleep {
		d = maxScriptSleep
	}
	time.Sleep(d)
}

func (r *Runtime) jsLog(level, message string) {
	r.throwIfError(r.checkCanceled())
	r.events.Emit("task-log", map[string]any{
		"taskId":  r.taskID,
		"level":   level,
		"message": message,
	})
}

func (r *Runtime) currentDoc() (*goquery.Document, bool) {
	p, ok := r.currentPage()
	if !ok {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.html))
	if err != nil {
		return nil, false
	}
	return doc, true
}

func (r *Runtime) resolveAgainstTop(relative string) string {
	if isAbsoluteURL(relative) {
		return relative
	}
	p, ok := r.currentPage()
	if !ok {
		return relative
	}
	base, err := url.Parse(p.url)
	if err != nil {
		return relative
	}
	ref, err := url.Parse(relative)
	if err != nil {
		return relative
	}
	return base.ResolveReference(ref).String()
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

// fetchText fetches rawURL as text, applying the same retry/backoff policy
// as the http scheme downloader (§4.7: "Uses the same retry/backoff policy
// as §4.3").
func (r *Runtime) fetchText(rawURL string) (body string, finalURL string, err error) {
	attempts := r.retryCount + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if r.checkCanceled() != nil {
			return "", "", kerrors.New(kerrors.KindCanceled, "crawler.fetchText", fmt.Errorf("task canceled"))
		}
		resp, ferr := r.client.Get(rawURL)
		if ferr != nil {
			lastErr = kerrors.New(kerrors.KindTransientNetwork, "crawler.fetchText", ferr)
		} else {
			b, rerr := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
			final := resp.Request.URL.String()
			status := resp.StatusCode
			resp.Body.Close()
			if rerr != nil {
				lastErr = kerrors.New(kerrors.KindTransientNetwork, "crawler.fetchText", rerr)
			} else if status != 200 {
				if kerrors.IsRetryableStatus(status) {
					lastErr = kerrors.New(kerrors.KindTransientNetwork, "crawler.fetchText", fmt.Errorf("status %d", status))
				} else {
					return "", "", kerrors.New(kerrors.KindPermanentNetwork, "crawler.fetchText", fmt.Errorf("status %d", status))
				}
			} else {
				return string(b), final, nil
			}
		}
		if attempt == attempts {
			break
		}
		time.Sleep(kerrors.BackoffForAttempt(attempt))
	}
	return "", "", lastErr
}
