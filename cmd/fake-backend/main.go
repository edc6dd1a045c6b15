package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"

	"github.com/austindbirch/harbor_beacon/internal/activity"
	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/logging"
)

const maxBodyBytes = 1 << 20

var (
	json     = jsoniter.ConfigCompatibleWithStandardLibrary
	reqCount atomic.Int64
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}
	logger := logging.New(cfg.ServiceName() + "-fake-backend")
	logging.SetDefault(logger)
	level, _ := cfg.LogLevel()
	logger.SetLevel(level)

	srv := &http.Server{
		Addr:         cfg.FakeBackend.Port,
		Handler:      newMux(cfg.FakeBackend, logger),
		ReadTimeout:  cfg.FakeBackend.ReadTimeout,
		WriteTimeout: cfg.FakeBackend.WriteTimeout,
		IdleTimeout:  cfg.FakeBackend.IdleTimeout,
	}
	logger.Plain().WithField("addr", srv.Addr).Info("fake-backend listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-backend failed")
	}
}

// newMux routes every package kind path, with or without an extra path prefix
func newMux(cfg config.FakeBackend, logger *logging.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handlePackage(w, r, cfg, logger)
	})
	return mux
}

// kindForPath matches the longest kind path suffix of p
func kindForPath(p string) (activity.Kind, bool) {
	var best activity.Kind
	for _, k := range activity.Kinds() {
		if strings.HasSuffix(p, k.Path()) && len(k.Path()) > len(best.Path()) {
			best = k
		}
	}
	return best, best != ""
}

func handlePackage(w http.ResponseWriter, r *http.Request, cfg config.FakeBackend, logger *logging.Logger) {
	n := reqCount.Add(1)

	kind, ok := kindForPath(r.URL.Path)
	if !ok {
		http.Error(w, `{"error":"unknown path"}`, http.StatusNotFound)
		return
	}
	params, err := readParams(r)
	if err != nil {
		logger.Plain().WithError(err).Error("unreadable package body")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body: " + err.Error()})
		return
	}
	entry := logger.Plain().WithKind(kind).WithFields(map[string]any{"request": n, "attempt": params.Get("attempt")})

	if cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 503
	if n <= int64(cfg.FailFirstN) {
		entry.Infof("FAILING (%d/%d) %s", n, cfg.FailFirstN, r.URL.Path)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporary failure"})
		return
	}
	if slices.Contains(cfg.RejectKinds, string(kind)) {
		entry.Info("REJECTING")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("%s packages are rejected", kind)})
		return
	}

	body := answer(kind, params, cfg)
	for _, f := range cfg.MalformedFields {
		body[f] = []int{1}
	}
	entry.WithField("params", len(params)).Info("fake-backend OK " + r.URL.Path)
	writeJSON(w, http.StatusOK, body)
}

// readParams reads the query string for GET and the form body for POST,
// decompressing gzip bodies.
func readParams(r *http.Request) (url.Values, error) {
	if r.Method == http.MethodGet {
		return r.URL.Query(), nil
	}
	defer r.Body.Close()

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = zr
	}
	b, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return url.ParseQuery(string(b))
}

// answer builds the success body for a package of kind
func answer(kind activity.Kind, params url.Values, cfg config.FakeBackend) map[string]any {
	body := map[string]any{
		"message":   fmt.Sprintf("%s tracked", kind),
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z0700"),
		"adid":      "fake-adid-" + params.Get("app_token"),
	}
	switch kind {
	case activity.KindSession:
		if cfg.AskInMS > 0 {
			body["ask_in"] = cfg.AskInMS
		}
	case activity.KindAttribution:
		body["attribution"] = fakeAttribution(params)
	case activity.KindClick:
		body["attribution"] = fakeAttribution(params)
		echo := map[string]string{}
		for _, k := range []string{"source", "click_time", "deeplink"} {
			if v := params.Get(k); v != "" {
				echo[k] = v
			}
		}
		if len(echo) > 0 {
			body["echo"] = echo
		}
	}
	return body
}

func fakeAttribution(params url.Values) map[string]any {
	network := "Organic"
	if src := params.Get("source"); src != "" {
		network = src
	}
	return map[string]any{
		"tracker_token": "abc123",
		"tracker_name":  network + "::fake",
		"network":       network,
		"campaign":      "fake-campaign",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
