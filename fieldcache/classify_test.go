package fieldcache

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestClassify_Golden(t *testing.T) {
	cases := []struct {
		method string
		url    string
		accept string
		mode   string
	}{
		{method: "GET", url: "/api/health"},
		{method: "POST", url: "/api/auth/signin"},
		{method: "GET", url: "/api/forms"},
		{method: "GET", url: "/api/forms/survey-1"},
		{method: "GET", url: "/api/submissions/abc"},
		{method: "POST", url: "/api/submissions"},
		{method: "PUT", url: "/api/forms/f1"},
		{method: "POST", url: "/api/media/chunk"},
		{method: "POST", url: "/api/media/complete"},
		{method: "DELETE", url: "/api/submissions/abc"},
		{method: "GET", url: "/assets/logo.png"},
		{method: "GET", url: "/photos/1", accept: "image/webp"},
		{method: "GET", url: "/assets/app.js"},
		{method: "GET", url: "/fonts/inter.woff2"},
		{method: "GET", url: "/", accept: "text/html"},
		{method: "GET", url: "/forms/survey-1", mode: "navigate"},
		{method: "GET", url: "/data/regions.json"},
		{method: "HEAD", url: "/assets/app.js"},
		{method: "OPTIONS", url: "/api/forms"},
	}

	var b strings.Builder
	for _, c := range cases {
		r := httptest.NewRequest(c.method, c.url, nil)
		fmt.Fprintf(&b, "%s %s", c.method, c.url)
		if c.accept != "" {
			r.Header.Set("Accept", c.accept)
			fmt.Fprintf(&b, " accept=%s", c.accept)
		}
		if c.mode != "" {
			r.Header.Set("Sec-Fetch-Mode", c.mode)
			fmt.Fprintf(&b, " mode=%s", c.mode)
		}
		route := Classify(r)
		fmt.Fprintf(&b, " => %s", route.Strategy)
		if route.Cache != "" {
			fmt.Fprintf(&b, " cache=%s", route.Cache)
		}
		if route.Write {
			b.WriteString(" write")
		}
		if route.OfflineDocument {
			b.WriteString(" offline-document")
		}
		if route.ResourceType != "" {
			fmt.Fprintf(&b, " resource=%s tag=%s", route.ResourceType, route.Tag)
		}
		b.WriteString("\n")
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "classify", []byte(b.String()))
}

func TestNormalizeTag(t *testing.T) {
	for tag, want := range map[string]string{
		TagSyncForms:       ResourceForms,
		TagFormSync:        ResourceForms,
		TagSyncMedia:       ResourceMedia,
		TagMediaUploadSync: ResourceMedia,
	} {
		got, ok := NormalizeTag(tag)
		require.True(t, ok, tag)
		require.Equal(t, want, got, tag)
	}
	_, ok := NormalizeTag("sync-everything")
	require.False(t, ok)
}
