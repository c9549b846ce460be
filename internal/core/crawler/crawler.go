// Package crawler implements the Crawler Runtime (§4.7): a per-task
// execution environment for user-authored scripts that drive page
// navigation and call download_image()/download_archive().
//
// The script engine is github.com/dop251/goja, a pure-Go ECMAScript VM,
// grounded on the `law-makers-crawl` manifest in the retrieved pack (see
// DESIGN.md); `query`/`get_attr`/`query_by_text` are implemented with
// github.com/PuerkitoBio/goquery (built on github.com/andybalholm/cascadia
// for CSS selector compilation), the pack's standard HTML-traversal stack.
// The runtime is intentionally synchronous from the script's perspective
// (§9 "script execution model": no async keyword is ever exposed to the
// script); every blocking helper below runs its I/O inline on the caller's
// goroutine, which itself runs on a dedicated goroutine per task (§5).
package crawler

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/kabegame/kabegame/internal/kerrors"
	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
	"github.com/kabegame/kabegame/internal/util/log"
)

// DownloadSubmitter is the subset of the Dispatcher the runtime needs
// (download_image/download_archive enqueue into it and return as soon as
// the request is accepted, §4.7).
type DownloadSubmitter interface {
	Submit(req model.DownloadRequest) error
}

// page is one entry of the script's navigation stack (§4.7 to()/back()).
type page struct {
	url  string
	html string
}

// Runtime is one script execution environment, scoped to a single Task.
// It is not safe for concurrent use — §5 runs each task's script on its
// own goroutine, so a Runtime is only ever driven by that one goroutine.
type Runtime struct {
	vm         *goja.Runtime
	client     *http.Client
	retryCount int

	dispatcher DownloadSubmitter
	events     ports.EventSink

	taskID        string
	pluginID      string
	imagesDir     string
	outputAlbumID string

	mu        sync.Mutex
	pages     []page
	progress  float64
	canceled  func() bool
	varNames  []string
}

// Options configures a new Runtime.
type Options struct {
	TaskID        string
	PluginID      string
	ImagesDir     string
	OutputAlbumID string
	RetryCount    int
	Dispatcher    DownloadSubmitter
	Events        ports.EventSink
	Canceled      func() bool // polled at the entry of every helper (§4.7)
	HTTPClient    *http.Client
}

// New builds a Runtime and binds its helper functions into the script
// global scope, but does not yet inject plugin/user variables (see Bind).
func New(opts Options) *Runtime {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Canceled == nil {
		opts.Canceled = func() bool { return false }
	}
	r := &Runtime{
		vm:            goja.New(),
		client:        opts.HTTPClient,
		retryCount:    opts.RetryCount,
		dispatcher:    opts.Dispatcher,
		events:        opts.Events,
		taskID:        opts.TaskID,
		pluginID:      opts.PluginID,
		imagesDir:     opts.ImagesDir,
		outputAlbumID: opts.OutputAlbumID,
		canceled:      opts.Canceled,
	}
	r.bindHelpers()
	return r
}

// InjectVariables sets the script scope's variables in the precedence
// order §4.7 specifies: plugin-declared defaults, then user config
// overrides, then a base_url constant if the plugin declares one and the
// user didn't supply it. Checkbox-kind variables are normalized to a
// dictionary {option_name: bool} regardless of how they were declared.
func (r *Runtime) InjectVariables(defs []ports.VariableDefinition, userConfig map[string]model.VariableValue, baseURL string) {
	seen := make(map[string]bool, len(defs)+1)
	track := func(name string) {
		if !seen[name] {
			seen[name] = true
			r.varNames = append(r.varNames, name)
		}
	}

	for _, def := range defs {
		r.vm.Set(def.Name, defaultToJS(def))
		track(def.Name)
	}
	for name, v := range userConfig {
		r.vm.Set(name, variableToJS(v))
		track(name)
	}
	if baseURL != "" {
		if _, exists := userConfig["base_url"]; !exists {
			r.vm.Set("base_url", baseURL)
			track("base_url")
		}
	}
	for _, def := range defs {
		if def.Kind == "checkbox" {
			r.vm.Set(def.Name, checkboxDict(def, userConfig[def.Name]))
		}
	}
}

func defaultToJS(def ports.VariableDefinition) any {
	v := def.Default
	switch v.Kind {
	case "int":
		return v.Int
	case "float":
		return v.Float
	case "bool":
		return v.Bool
	case "list":
		return v.List
	default:
		return v.Str
	}
}

func variableToJS(v model.VariableValue) any {
	switch v.Kind {
	case "int":
		return v.Int
	case "float":
		return v.Float
	case "bool":
		return v.Bool
	case "list":
		return v.List
	default:
		return v.Str
	}
}

// checkboxDict builds the {option_name: bool} dictionary §4.7 requires
// "irrespective of input shape." Every declared option defaults to false;
// a user-supplied list of selected names flips those to true.
func checkboxDict(def ports.VariableDefinition, user model.VariableValue) map[string]bool {
	dict := make(map[string]bool, len(def.Options))
	for _, opt := range def.Options {
		dict[opt] = false
	}
	switch user.Kind {
	case "list":
		for _, name := range user.List {
			dict[name] = true
		}
	case "bool":
		for opt := range dict {
			dict[opt] = user.Bool
		}
	}
	return dict
}

// Run compiles and executes script. A script error is terminal for the
// task (§4.7, §4.9); the caller is responsible for building and persisting
// the scope dump via Dump() when Run returns an error.
func (r *Runtime) Run(ctx context.Context, script string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = kerrors.New(kerrors.KindScript, "crawler.Run", fmt.Errorf("panic: %v", rec))
		}
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.vm.Interrupt("canceled")
		case <-done:
		}
	}()
	defer close(done)

	_, runErr := r.vm.RunString(script)
	if runErr != nil {
		return kerrors.New(kerrors.KindScript, "crawler.Run", runErr)
	}
	return nil
}

// checkCanceled is called at the entry of every helper per §4.7's
// cancellation contract: "every helper checks the task's canceled flag at
// entry and propagates a script-level error that terminates execution."
func (r *Runtime) checkCanceled() error {
	if r.canceled() {
		return kerrors.New(kerrors.KindCanceled, "crawler", fmt.Errorf("task %s canceled", r.taskID))
	}
	return nil
}

func (r *Runtime) throwIfError(err error) {
	if err != nil {
		panic(r.vm.ToValue(err.Error()))
	}
}

func (r *Runtime) currentPage() (page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pages) == 0 {
		return page{}, false
	}
	return r.pages[len(r.pages)-1], true
}

func (r *Runtime) pushPage(p page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, p)
}

func (r *Runtime) popPage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pages) > 0 {
		r.pages = r.pages[:len(r.pages)-1]
	}
}

var xpathTagAttr = regexp.MustCompile(`^/{1,2}([a-zA-Z0-9_*]+)(\[@([a-zA-Z0-9_-]+)(=['"]([^'"]*)['"])?\])?$`)

// translateSelector implements the "minimal XPath subset for selectors
// starting with / or //" (§4.7): it recognizes `//tag`, `//tag[@attr]`, and
// `//tag[@attr='value']` and rewrites them to the CSS equivalent goquery
// understands. Anything else starting with `/` is returned as-is (and will
// simply fail to match, since it isn't a CSS selector) rather than
// implementing a full XPath engine.
func translateSelector(selector string) string {
	if !strings.HasPrefix(selector, "/") {
		return selector
	}
	m := xpathTagAttr.FindStringSubmatch(selector)
	if m == nil {
		return selector
	}
	tag := m[1]
	if tag == "*" {
		tag = "*"
	}
	if m[3] == "" {
		return tag
	}
	if m[5] != "" {
		return fmt.Sprintf(`%s[%s="%s"]`, tag, m[3], m[5])
	}
	return fmt.Sprintf("%s[%s]", tag, m[3])
}

func logCrawler(format string, args ...any) {
	log.Printf("crawler: "+format, args...)
}
