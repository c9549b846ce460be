// Command kabegame-core is a manual-testing harness for the download
// scheduler, crawler runtime, and wallpaper rotator (§10 of the design
// document). It wires the real engine and rotator against local fakes of
// the Storage/EventSink/WallpaperBackend/PluginRegistry ports, the same way
// the teacher's cmd/spice/main.go builds its dependency graph, starts its
// background loops, and blocks on a shutdown signal — minus the Fyne tray
// UI, which this repo has no use for.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kabegame/kabegame/internal/core/engine"
	"github.com/kabegame/kabegame/internal/core/postprocess"
	"github.com/kabegame/kabegame/internal/core/rotator"
	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/settingsstore"
	"github.com/kabegame/kabegame/internal/util/log"
)

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("kabegame-core: resolving home directory: %v", err)
	}
	return filepath.Join(home, ".kabegame-core")
}

func main() {
	var (
		pluginID   = flag.String("plugin", "", "plugin id to run once at startup (requires -script)")
		scriptPath = flag.String("script", "", "path to the plugin script file to run")
		seedURL    = flag.String("seed", "", "seed URL passed to the crawler as base_url")
		albumID    = flag.String("album", "", "album id downloaded images are attached to")
		downloadDir = flag.String("download-dir", "", "root directory task downloads are written under (default: <configdir>/downloads)")
		settingsPath = flag.String("settings", "", "path to the settings JSON file (default: <configdir>/settings.json)")
		faceCascade = flag.String("face-cascade", "", "path to a pigo cascade file (e.g. facefinder) enabling face-aware thumbnail framing")
		thumbMode   = flag.String("thumb-mode", string(postprocess.ModePlain), "thumbnail framing mode: plain, face-crop, or face-boost")
	)
	flag.Parse()

	dir := configDir()
	if *downloadDir == "" {
		*downloadDir = filepath.Join(dir, "downloads")
	}
	if *settingsPath == "" {
		*settingsPath = filepath.Join(dir, "settings.json")
	}
	if err := os.MkdirAll(*downloadDir, 0o755); err != nil {
		log.Fatalf("kabegame-core: creating download dir: %v", err)
	}
	thumbDir := filepath.Join(dir, "thumbnails")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		log.Fatalf("kabegame-core: creating thumbnail dir: %v", err)
	}

	events := logEvents{}
	settings := settingsstore.Load(*settingsPath, events)
	settings.SetDefaultDownloadDir(*downloadDir)
	storage := newMemStorage()

	var faceModel postprocess.FaceDetector
	if *faceCascade != "" {
		fd, err := postprocess.LoadPigoDetector(*faceCascade)
		if err != nil {
			log.Printf("kabegame-core: face cascade disabled: %v", err)
		} else {
			faceModel = fd
		}
	}

	e := engine.New(engine.Config{
		Storage:         storage,
		Events:          events,
		Settings:        settings,
		Plugins:         &filePlugin{pluginID: *pluginID, baseURL: *seedURL, path: *scriptPath},
		ThumbnailDir:    thumbDir,
		PostProcessMode: postprocess.Mode(*thumbMode),
		FaceModel:       faceModel,
	})
	e.Start()
	defer e.Stop()

	backends := rotator.BackendSet{
		model.ModeNative: &noopBackend{mode: model.ModeNative},
		model.ModeWindow: &noopBackend{mode: model.ModeWindow},
		model.ModeGDI:    &noopBackend{mode: model.ModeGDI},
	}
	r := rotator.New(rotator.Options{
		Storage: storage, Settings: settings, Events: events,
		Backends: backends, InitialMode: model.ModeNative,
	})
	go r.Run()
	defer r.Close()
	if err := r.InitOnStartup(); err != nil {
		log.Printf("kabegame-core: rotator startup init: %v", err)
	}

	if *pluginID != "" {
		if *scriptPath == "" {
			log.Fatalf("kabegame-core: -plugin requires -script")
		}
		task, err := e.RunTask(*pluginID, *seedURL, *albumID, *scriptPath, nil)
		if err != nil {
			log.Fatalf("kabegame-core: RunTask: %v", err)
		}
		fmt.Printf("started task %s (plugin=%s seed=%s)\n", task.TaskID, *pluginID, *seedURL)
		watchTask(e, task.TaskID)
	}

	waitForShutdown()
}

// watchTask polls Task until it leaves the running state, printing a final
// status line — there is no blocking "wait for completion" call on Engine
// since production callers observe progress via events instead.
func watchTask(e *engine.Engine, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("task did not finish within the harness timeout")
			return
		case <-ticker.C:
			task, ok := e.Task(taskID)
			if !ok {
				return
			}
			if task.Status != model.TaskRunning && task.Status != model.TaskPending {
				fmt.Printf("task %s finished: status=%s error=%q\n", taskID, task.Status, task.LastError)
				return
			}
		}
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("kabegame-core: shutting down")
}
