package plan

import (
	"testing"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildExpandsTemplate(t *testing.T) {
	render := true
	site := &config.SiteConfig{
		Name:        "stanford",
		Render:      &render,
		ContentType: "text/html",
		Batches: []*config.BatchConfig{
			{
				Name:        "CS",
				Fields:      map[string]string{"department": "CS"},
				URLTemplate: "https://example.edu/search?q=CS&page={page}",
				FirstPage:   0,
				MaxPages:    3,
			},
			{URLs: []string{" https://example.edu/a ", "https://example.edu/b"}},
		},
	}

	p, err := Build(site, false)
	require.NoError(t, err)
	require.Len(t, p.Batches, 2)
	assert.Equal(t, 5, p.Pages())

	cs := p.Batches[0]
	assert.True(t, cs.Paginated)
	assert.Equal(t, "CS", cs.Fields["department"])
	require.Len(t, cs.Pages, 3)
	assert.Equal(t, "https://example.edu/search?q=CS&page=0", cs.Pages[0].URL)
	assert.Equal(t, "https://example.edu/search?q=CS&page=2", cs.Pages[2].URL)
	assert.True(t, cs.Pages[0].Render)
	assert.Equal(t, "text/html", cs.Pages[0].ContentType)

	second := p.Batches[1]
	assert.Equal(t, "batch-2", second.Name)
	assert.Equal(t, 1, second.Index)
	assert.False(t, second.Paginated)
	assert.Equal(t, "https://example.edu/a", second.Pages[0].URL)
}

func TestBuildUsesDefaultRender(t *testing.T) {
	site := &config.SiteConfig{Name: "uva", Batches: []*config.BatchConfig{{URLs: []string{"https://example.edu"}}}}

	p, err := Build(site, true)
	require.NoError(t, err)
	assert.True(t, p.Batches[0].Pages[0].Render)
}

func TestBuildRejectsInvalidBatches(t *testing.T) {
	testCases := map[string]*config.BatchConfig{
		"no urls":        {},
		"no placeholder": {URLTemplate: "https://example.edu/list", MaxPages: 2},
		"no max pages":   {URLTemplate: "https://example.edu/list?page={page}"},
		"both":           {URLs: []string{"https://example.edu"}, URLTemplate: "https://example.edu/{page}", MaxPages: 1},
	}
	for name, bc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(&config.SiteConfig{Name: "s", Batches: []*config.BatchConfig{bc}}, false)
			assert.Error(t, err)
		})
	}

	_, err := Build(&config.SiteConfig{Name: "empty"}, false)
	assert.Error(t, err)
}
