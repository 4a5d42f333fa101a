// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldcache decides per request whether to answer from cache, from
// the network, or to queue a mutation for later delivery.
package fieldcache

import (
	"net/http"
	"path"
	"strings"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
)

// Strategy is how a request is served.
type Strategy string

const (
	// NetworkFirst asks the network and falls back to the cache.
	NetworkFirst Strategy = "network-first"
	// CacheFirst answers from the cache and fills it from the network on a miss.
	CacheFirst Strategy = "cache-first"
	// StaleWhileRevalidate answers from the cache while refreshing it in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	// QueueOnFailure sends mutations and captures them for replay when offline.
	QueueOnFailure Strategy = "queue-on-failure"
	// NetworkOnly never touches the cache.
	NetworkOnly Strategy = "network-only"
)

// Named caches. Stored names carry the build id suffix.
const (
	CacheStatic    = "static"
	CacheAPI       = "api"
	CacheForms     = "forms"
	CacheImages    = "images"
	CacheDocuments = "documents"
	CacheRuntime   = "runtime"
)

// CacheNames lists every named cache.
var CacheNames = []string{CacheStatic, CacheAPI, CacheForms, CacheImages, CacheDocuments, CacheRuntime}

// Resource types of queued mutations.
const (
	ResourceForms = "forms"
	ResourceMedia = "media"
)

// Background sync tags. Deployments used two spellings per resource type.
const (
	TagSyncForms       = "sync-forms"
	TagFormSync        = "form-sync"
	TagSyncMedia       = "sync-media"
	TagMediaUploadSync = "media-upload-sync"
)

// Route is the outcome of Classify.
type Route struct {
	Strategy Strategy
	Cache    string // named cache, empty when the cache is not used
	// Write is set when successful network answers are stored.
	Write bool
	// OfflineDocument is set for navigations that fall back to the offline page.
	OfflineDocument bool
	ResourceType    string // mutations only
	Tag             string // mutations only
}

var imageExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".ico": true, ".avif": true,
}

var staticExt = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
	".webmanifest": true, ".wasm": true, ".map": true,
}

// Classify maps a request to its strategy. It only reads the method, the URL
// path and the Accept and Sec-Fetch-Mode headers.
func Classify(r *http.Request) Route {
	p := r.URL.Path
	if strings.HasPrefix(p, "/api/auth/") {
		return Route{Strategy: NetworkOnly}
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		res := ResourceTypeOf(p)
		return Route{Strategy: QueueOnFailure, ResourceType: res, Tag: TagFor(res)}
	case http.MethodGet:
	default:
		return Route{Strategy: NetworkOnly}
	}

	if isAPI(p) {
		switch {
		case p == fieldapi.PathHealth:
			return Route{Strategy: NetworkOnly}
		case p == fieldapi.PathForms || strings.HasPrefix(p, fieldapi.PathForms+"/"):
			return Route{Strategy: NetworkFirst, Cache: CacheForms, Write: true}
		default:
			return Route{Strategy: NetworkFirst, Cache: CacheAPI, Write: true}
		}
	}

	ext := strings.ToLower(path.Ext(p))
	switch {
	case imageExt[ext] || strings.HasPrefix(r.Header.Get("Accept"), "image/"):
		return Route{Strategy: CacheFirst, Cache: CacheImages, Write: true}
	case staticExt[ext]:
		return Route{Strategy: CacheFirst, Cache: CacheStatic, Write: true}
	case isNavigation(r, ext):
		return Route{Strategy: NetworkFirst, Cache: CacheDocuments, Write: true, OfflineDocument: true}
	}
	return Route{Strategy: StaleWhileRevalidate, Cache: CacheRuntime, Write: true}
}

func isAPI(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/")
}

func isNavigation(r *http.Request, ext string) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return true
	}
	return ext == "" || ext == ".html" || ext == ".htm"
}

// ResourceTypeOf returns the resource type a mutation on p belongs to.
func ResourceTypeOf(p string) string {
	if strings.HasPrefix(p, "/api/media") {
		return ResourceMedia
	}
	return ResourceForms
}

// TagFor returns the canonical background sync tag of a resource type.
func TagFor(resourceType string) string {
	if resourceType == ResourceMedia {
		return TagSyncMedia
	}
	return TagSyncForms
}

// NormalizeTag maps any known tag spelling to its resource type. Unknown tags
// report false.
func NormalizeTag(tag string) (string, bool) {
	switch tag {
	case TagSyncForms, TagFormSync:
		return ResourceForms, true
	case TagSyncMedia, TagMediaUploadSync:
		return ResourceMedia, true
	}
	return "", false
}
