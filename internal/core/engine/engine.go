// Package engine wires the Download Dispatcher (§4.1), Worker Pool (§4.2),
// Scheme Downloader registry (§4.3), post-processing pipeline (§4.4), and
// Archive Pipeline (§4.5) into the single cooperating system described by
// §4 as a whole, plus the per-task Crawler Runtime (§4.7) that drives them.
//
// There is no equivalent single file in the teacher: the teacher's
// UI-facing pieces (pkg/ui, service/) wire a MonitorController directly to
// a fixed provider API. This package plays the teacher's wiring role
// (constructing the concrete components and gluing their channels
// together) for the download/crawl side the teacher never had, following
// the same "construct dependencies once in a New, run loops on their own
// goroutines" shape the teacher's service package uses for the
// wallpaper-change loop.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kabegame/kabegame/internal/core/archive"
	"github.com/kabegame/kabegame/internal/core/crawler"
	"github.com/kabegame/kabegame/internal/core/dispatcher"
	"github.com/kabegame/kabegame/internal/core/postprocess"
	"github.com/kabegame/kabegame/internal/core/scheme"
	"github.com/kabegame/kabegame/internal/core/workerpool"
	"github.com/kabegame/kabegame/internal/kerrors"
	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
	"github.com/kabegame/kabegame/internal/util/log"
)

// Config gathers everything Engine needs to construct its component
// pipeline. Every port is required except ContentResolver and FaceModel,
// which may be nil (desktop hosts commonly supply neither).
type Config struct {
	Storage  ports.Storage
	Events   ports.EventSink
	Settings ports.Settings
	Plugins  ports.PluginRegistry

	ContentResolver scheme.ContentURIResolver

	ThumbnailDir     string
	PostProcessMode  postprocess.Mode
	FaceModel        postprocess.FaceDetector

	DownloadQueueCapacity int
	ArchiveQueueCapacity  int
}

// Engine owns the concrete wiring for §4.1-§4.7: one Dispatcher, one
// worker Pool, one Scheme Registry, one post-processing Processor, one
// Archive Pipeline, and the bookkeeping for in-flight tasks and
// ActiveDownloadInfo rows that §4.2 and §8 describe.
type Engine struct {
	storage  ports.Storage
	events   ports.EventSink
	settings ports.Settings
	plugins  ports.PluginRegistry

	registry *scheme.Registry
	post     *postprocess.Processor
	archive  *archive.Pipeline
	pool     *workerpool.Pool
	disp     *dispatcher.Dispatcher

	mu     sync.Mutex
	tasks  map[string]*taskHandle
	active map[string]model.ActiveDownloadInfo // keyed by dedup key
}

type taskHandle struct {
	task     model.Task
	cancel   context.CancelFunc
	canceled bool
}

// New constructs the pipeline but does not start any goroutines; call
// Start to begin serving.
func New(cfg Config) *Engine {
	e := &Engine{
		storage:  cfg.Storage,
		events:   cfg.Events,
		settings: cfg.Settings,
		plugins:  cfg.Plugins,
		tasks:    make(map[string]*taskHandle),
		active:   make(map[string]model.ActiveDownloadInfo),
	}

	e.registry = scheme.NewRegistry(cfg.Settings.NetworkRetryCount(), cfg.ContentResolver)
	e.post = postprocess.New(cfg.Storage, cfg.Events, cfg.Settings, cfg.ThumbnailDir, cfg.PostProcessMode, cfg.FaceModel)

	archiveCap := cfg.ArchiveQueueCapacity
	if archiveCap <= 0 {
		archiveCap = 16
	}
	e.archive = archive.New(e.handleExtractedImage, archiveCap, e.taskCanceled)

	poolCap := cfg.DownloadQueueCapacity
	if poolCap <= 0 {
		poolCap = 64
	}
	e.pool = workerpool.New(e.handleDownload, poolCap)

	e.disp = dispatcher.New(cfg.Settings, cfg.Events, e.pool)
	return e
}

// Start spins up the Dispatcher's admission loop, the worker pool (sized
// to the current MaxConcurrentDownloads), and the Archive Pipeline. Call
// Stop to shut everything down.
func (e *Engine) Start() {
	e.pool.SetTarget(e.settings.MaxConcurrentDownloads())
	go e.disp.Run()
	go e.archive.Run()
}

// Stop halts every subordinate loop, waiting for in-flight work to settle.
func (e *Engine) Stop() {
	e.disp.Stop()
	e.pool.Stop()
	e.archive.Stop()
}

// Dispatcher exposes the Dispatcher so a Crawler Runtime can submit
// download requests directly (it implements DownloadSubmitter).
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.disp }

// ActiveDownloads snapshots every currently in-flight ActiveDownloadInfo
// (§3: "every ActiveDownloadInfo corresponds to exactly one worker").
func (e *Engine) ActiveDownloads() []model.ActiveDownloadInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.ActiveDownloadInfo, 0, len(e.active))
	for _, info := range e.active {
		out = append(out, info)
	}
	return out
}

func activeKey(req model.DownloadRequest) string {
	return fmt.Sprintf("%s|%s|%d", req.TaskID, req.URL, req.StartTime.UnixMilli())
}

func (e *Engine) publishActive(req model.DownloadRequest, state model.DownloadState, errMsg string) {
	e.mu.Lock()
	e.active[activeKey(req)] = model.ActiveDownloadInfo{
		URL: req.URL, PluginID: req.PluginID, TaskID: req.TaskID,
		StartTime: req.StartTime, State: state, Error: errMsg,
	}
	e.mu.Unlock()
	e.events.Emit("download-state", map[string]any{
		"taskId": req.TaskID, "url": req.URL, "startTime": req.StartTime.UnixMilli(),
		"pluginId": req.PluginID, "state": string(state), "error": errMsg,
	})
}

func (e *Engine) clearActive(req model.DownloadRequest) {
	e.mu.Lock()
	delete(e.active, activeKey(req))
	e.mu.Unlock()
}

// handleDownload is the workerpool.Handler implementing every step of §4.2.
func (e *Engine) handleDownload(ctx context.Context, req model.DownloadRequest, release func()) {
	defer release()
	defer e.disp.OnTerminal(req)
	defer e.clearActive(req)

	e.publishActive(req, model.StatePreparing, "")

	if req.ArchiveType != model.ArchiveNone {
		e.handleArchiveDownload(ctx, req)
		return
	}
	e.handleImageDownload(ctx, req)
}

// handleImageDownload runs §4.2 steps 3-7 for a plain image request.
func (e *Engine) handleImageDownload(ctx context.Context, req model.DownloadRequest) {
	if e.settings.AutoDeduplicate() {
		if existing, found, err := e.storage.FindImageByURL(ctx, req.URL); err == nil && found && existing.LocalExists {
			e.reuseExisting(ctx, req, existing)
			return
		}
	}

	downloader, _, err := e.registry.Lookup(req.URL)
	if err != nil {
		e.failDownload(ctx, req, err.Error())
		return
	}
	dest, err := downloader.ComputeDestinationPath(req.URL, req.ImagesDir)
	if err != nil {
		e.failDownload(ctx, req, err.Error())
		return
	}

	// §12 crash-safe temp-file tracking: registered before any bytes hit
	// disk at dest, removed once post-processing has decided dest's final
	// fate (kept in the catalog, or deleted as a dedup/failure cleanup).
	if err := e.storage.AddTempFile(ctx, dest); err != nil {
		log.Printf("engine: failed to register temp file %s: %v", dest, err)
	}
	defer func() {
		if err := e.storage.RemoveTempFile(ctx, dest); err != nil {
			log.Printf("engine: failed to clear temp file registration for %s: %v", dest, err)
		}
	}()

	e.publishActive(req, model.StateDownloading, "")
	dq := scheme.DownloadContext{
		TaskID: req.TaskID, PluginID: req.PluginID, StartTimeUTC: req.StartTime.UnixMilli(),
		Headers: req.HTTPHeaders,
		Progress: func(received, total int64) {
			e.events.Emit("download-progress", map[string]any{
				"taskId": req.TaskID, "url": req.URL, "startTime": req.StartTime.UnixMilli(),
				"pluginId": req.PluginID, "receivedBytes": received, "totalBytes": total,
			})
		},
	}
	finalURL, err := downloader.Download(ctx, dq, req.URL, dest)
	if err != nil {
		e.failDownload(ctx, req, err.Error())
		return
	}
	dest = e.renameForFinalURL(ctx, dest, req.URL, finalURL)

	e.publishActive(req, model.StateProcessing, "")
	result := e.post.Process(ctx, postprocess.Input{
		LocalPath: dest, URL: req.URL, PluginID: req.PluginID, TaskID: req.TaskID,
		StartTime: req.StartTime, OutputAlbumID: req.OutputAlbumID,
	})
	if result.Failed {
		log.Printf("engine: post-processing %s failed: %s", req.URL, result.FailMsg)
	}
	// The postprocess.Processor already emitted images-change/download-state
	// completed/failed and enforced the §4.6 minimum duration; the worker has
	// nothing left to do beyond its deferred release/OnTerminal/clearActive.
}

// handleArchiveDownload runs §4.2 step 7's archive branch: the file itself
// is fetched exactly like an image, then handed to the Archive Pipeline
// instead of post-processing directly.
func (e *Engine) handleArchiveDownload(ctx context.Context, req model.DownloadRequest) {
	downloader, _, err := e.registry.Lookup(req.URL)
	if err != nil {
		e.failDownload(ctx, req, err.Error())
		return
	}
	dest, err := downloader.ComputeDestinationPath(req.URL, req.ImagesDir)
	if err != nil {
		e.failDownload(ctx, req, err.Error())
		return
	}

	if err := e.storage.AddTempFile(ctx, dest); err != nil {
		log.Printf("engine: failed to register temp archive %s: %v", dest, err)
	}

	e.publishActive(req, model.StateDownloading, "")
	dq := scheme.DownloadContext{
		TaskID: req.TaskID, PluginID: req.PluginID, StartTimeUTC: req.StartTime.UnixMilli(),
		Headers: req.HTTPHeaders,
		Progress: func(received, total int64) {
			e.events.Emit("download-progress", map[string]any{
				"taskId": req.TaskID, "url": req.URL, "startTime": req.StartTime.UnixMilli(),
				"pluginId": req.PluginID, "receivedBytes": received, "totalBytes": total,
			})
		},
	}
	if _, err := downloader.Download(ctx, dq, req.URL, dest); err != nil {
		if err := e.storage.RemoveTempFile(ctx, dest); err != nil {
			log.Printf("engine: failed to clear temp archive registration for %s: %v", dest, err)
		}
		e.failDownload(ctx, req, err.Error())
		return
	}
	// Ownership of dest now passes to the Archive Pipeline, which removes it
	// once expansion completes (archive.expand); the temp-file registration
	// is cleared here, before the handoff.
	if err := e.storage.RemoveTempFile(ctx, dest); err != nil {
		log.Printf("engine: failed to clear temp archive registration for %s: %v", dest, err)
	}

	e.archive.Enqueue(model.DecompressionJob{
		ArchivePath: dest, ImagesDir: req.ImagesDir, URL: req.URL, TaskID: req.TaskID,
		PluginID: req.PluginID, StartTime: req.StartTime, OutputAlbumID: req.OutputAlbumID,
		HTTPHeaders: req.HTTPHeaders, ArchiveType: req.ArchiveType, TempDirGuard: req.TempDirGuard,
	})
	e.publishActive(req, model.StateCompleted, "")
}

// handleExtractedImage is the archive.ImageHandler: it runs every file an
// archive expands into through the same post-processing pipeline ordinary
// downloads use (§4.5), tagging the url as file://<extractedPath>.
func (e *Engine) handleExtractedImage(ctx context.Context, job model.DecompressionJob, extractedPath string) {
	result := e.post.Process(ctx, postprocess.Input{
		LocalPath: extractedPath, URL: "file://" + extractedPath, PluginID: job.PluginID,
		TaskID: job.TaskID, StartTime: job.StartTime, OutputAlbumID: job.OutputAlbumID,
		ArchiveOrigin: true,
	})
	if result.Failed {
		log.Printf("engine: archive-extracted image %s failed post-processing: %s", extractedPath, result.FailMsg)
	}
}

// reuseExisting runs the §4.2 step 4 dedup-by-URL short-circuit: the
// existing catalog entry is attached to the output album (if any) and, per
// §8 scenario 5, an unconditional images-change{reason:add} is emitted
// regardless of whether an album was requested, through the same
// preparing → processing → completed state sequence every other terminal
// path publishes.
func (e *Engine) reuseExisting(ctx context.Context, req model.DownloadRequest, existing model.ImageInfo) {
	e.publishActive(req, model.StateProcessing, "")

	if req.OutputAlbumID != "" {
		if added, err := e.storage.AddImagesToAlbumSilent(ctx, req.OutputAlbumID, []string{existing.ID}); err != nil {
			log.Printf("engine: failed to attach reused image %s to album %s: %v", existing.ID, req.OutputAlbumID, err)
		} else if added > 0 {
			e.events.Emit("images-change", map[string]any{
				"reason": "album-add", "imageIds": []string{existing.ID}, "albumId": req.OutputAlbumID, "taskId": req.TaskID,
			})
		}
	}
	e.events.Emit("images-change", map[string]any{
		"reason": "add", "imageIds": []string{existing.ID}, "taskId": req.TaskID,
	})

	e.publishActive(req, model.StateCompleted, "")
	remaining := postprocess.MinDownloadDuration - time.Since(req.StartTime)
	if remaining > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(remaining):
		}
	}
}

// renameForFinalURL implements §4.3's "returns the final URL... so the
// caller can recompute the destination name if the extension changed": if
// finalURL's path extension differs from dest's current one (a redirect
// landed on a URL with a different apparent content type), the file is
// renamed to a freshly computed, collision-checked destination name derived
// from finalURL, and the §12 temp-file tracking registration is moved from
// the old path to the new one. Any failure along this best-effort path
// leaves dest untouched.
func (e *Engine) renameForFinalURL(ctx context.Context, dest, origURL, finalURL string) string {
	if finalURL == "" || finalURL == origURL {
		return dest
	}
	newExt := extFromURL(finalURL)
	curExt := strings.ToLower(strings.TrimPrefix(filepath.Ext(dest), "."))
	if newExt == "" || newExt == curExt {
		return dest
	}

	newName := scheme.BuildFilename(finalURL, origURL)
	newPath := scheme.UniquePath(filepath.Dir(dest), newName)
	if err := os.Rename(dest, newPath); err != nil {
		log.Printf("engine: failed to rename %s to %s after redirect to %s: %v", dest, newPath, finalURL, err)
		return dest
	}
	if err := e.storage.AddTempFile(ctx, newPath); err != nil {
		log.Printf("engine: failed to register renamed temp file %s: %v", newPath, err)
	}
	if err := e.storage.RemoveTempFile(ctx, dest); err != nil {
		log.Printf("engine: failed to clear temp file registration for %s: %v", dest, err)
	}
	return newPath
}

// extFromURL returns the lowercase, dot-stripped extension of rawURL's
// path component, or "" if rawURL doesn't parse or has none.
func extFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(u.Path), "."))
}

func (e *Engine) failDownload(ctx context.Context, req model.DownloadRequest, msg string) {
	if err := e.storage.AddTaskFailedImage(ctx, req.TaskID, req.PluginID, req.URL, req.StartTime.UnixMilli(), msg); err != nil {
		log.Printf("engine: failed to record failed-image row: %v", err)
	}
	e.publishActive(req, model.StateFailed, msg)
}

// RunTask resolves pluginID through the PluginRegistry, builds a Crawler
// Runtime wired to this Engine's Dispatcher, and runs the plugin's script
// to completion on its own goroutine (§5: "each task executes on its own
// OS thread"). It returns immediately with the Task's initial record; the
// caller observes progress via events and ActiveDownloads()/Task().
func (e *Engine) RunTask(pluginID, seedURL, outputAlbumID, scriptFilePath string, userConfig map[string]model.VariableValue) (model.Task, error) {
	meta, script, defs, err := e.plugins.ResolveForTask(context.Background(), pluginID, scriptFilePath)
	if err != nil {
		return model.Task{}, kerrors.New(kerrors.KindInvalidInput, "engine.RunTask", err)
	}

	taskID := uuid.NewString()
	task := model.Task{
		TaskID: taskID, PluginID: pluginID, SeedURL: seedURL, UserConfig: userConfig,
		OutputAlbumID: outputAlbumID, Status: model.TaskPending, StartedAt: time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{task: task, cancel: cancel}
	e.mu.Lock()
	e.tasks[taskID] = h
	e.mu.Unlock()

	rt := crawler.New(crawler.Options{
		TaskID: taskID, PluginID: pluginID, ImagesDir: filepath.Join(e.settings.DefaultDownloadDir(), taskID),
		OutputAlbumID: outputAlbumID, RetryCount: e.settings.NetworkRetryCount(),
		Dispatcher: e.disp, Events: e.events,
		Canceled: func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.tasks[taskID].canceled
		},
	})
	rt.InjectVariables(defs, userConfig, meta.BaseURL)

	e.setTaskStatus(taskID, model.TaskRunning, "")
	go e.runScript(ctx, rt, taskID, script)

	task.Status = model.TaskRunning
	return task, nil
}

func (e *Engine) runScript(ctx context.Context, rt *crawler.Runtime, taskID, script string) {
	err := rt.Run(ctx, script)
	if err != nil {
		dump := rt.Dump(err)
		e.mu.Lock()
		h := e.tasks[taskID]
		dir := ""
		if h != nil {
			dir = filepath.Join(e.settings.DefaultDownloadDir(), taskID)
		}
		e.mu.Unlock()
		crawler.PersistDump(dir, dump)

		status := model.TaskFailed
		if kerrors.KindOf(err) == kerrors.KindCanceled {
			status = model.TaskCanceled
		}
		e.setTaskStatus(taskID, status, err.Error())
		return
	}
	e.setTaskStatus(taskID, model.TaskCompleted, "")
}

func (e *Engine) setTaskStatus(taskID string, status model.TaskStatus, errMsg string) {
	e.mu.Lock()
	h, ok := e.tasks[taskID]
	if ok {
		h.task.Status = status
		h.task.LastError = errMsg
		if status == model.TaskCompleted || status == model.TaskFailed || status == model.TaskCanceled {
			h.task.EndedAt = time.Now()
		}
	}
	e.mu.Unlock()
	e.events.Emit("task-status", map[string]any{"taskId": taskID, "status": string(status), "error": errMsg})
}

// CancelTask marks a task canceled: the Dispatcher drops its pending
// requests, the script's Canceled() poll starts returning true at its next
// helper call, and its context is canceled, which interrupts the running
// script. HTTP fetches already in progress are not aborted: a script
// helper's fetch runs to completion, and downloads admitted to the worker
// pool run under the pool's context, not the task's.
func (e *Engine) CancelTask(taskID string) {
	e.mu.Lock()
	h, ok := e.tasks[taskID]
	if ok {
		h.canceled = true
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	e.disp.CancelTask(taskID)
}

// taskCanceled is the archive.TaskCanceledFunc wired into the Archive
// Pipeline at construction: it reports the same per-task cancellation flag
// CancelTask sets, so in-progress archive expansion stops at its next
// extracted-file boundary once the owning task is canceled (§5).
func (e *Engine) taskCanceled(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[taskID]
	return ok && h.canceled
}

// Task returns the current in-memory projection of a task's record.
func (e *Engine) Task(taskID string) (model.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[taskID]
	if !ok {
		return model.Task{}, false
	}
	return h.task, true
}
