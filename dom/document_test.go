package dom

import (
	"sync"
	"testing"

	"commentsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSelectors = Selectors{
	Container:   "ul.comments",
	Item:        "li.comment",
	SortLabel:   ".sort span",
	IDAttribute: "data-post-id",
}

const testPage = `<html><head>
<meta name="csrf-token" content="csrf-abc">
<script>window.__STATE__ = {"token":"jwt-1"};</script>
<script src="/app.js"></script>
</head><body>
<div class="sort"><span> latest </span></div>
<ul class="comments">
<li class="comment">one</li>
<li class="comment">two</li>
<li class="ad">ad</li>
<li class="comment">three</li>
</ul>
</body></html>`

func parseTestPage(t *testing.T) *Document {
	t.Helper()
	d, err := Parse("https://example.test/project/abc", testPage, testSelectors)
	require.NoError(t, err)
	return d
}

type recorder struct {
	mu   sync.Mutex
	muts []models.Mutation
}

func (r *recorder) record(m models.Mutation) {
	r.mu.Lock()
	r.muts = append(r.muts, m)
	r.mu.Unlock()
}

func (r *recorder) kinds() []models.MutationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MutationKind
	for _, m := range r.muts {
		out = append(out, m.Kind)
	}
	return out
}

func TestDocument_CommentNodes(t *testing.T) {
	d := parseTestPage(t)

	assert.True(t, d.HasCommentContainer())
	assert.Equal(t, 3, d.CommentCount())
	assert.Equal(t, []string{"", "", ""}, d.CommentTags())
}

func TestDocument_TagWrites(t *testing.T) {
	d := parseTestPage(t)
	var sunk []models.TagWrite
	d.SetWriteSink(func(w models.TagWrite) { sunk = append(sunk, w) })
	rec := &recorder{}
	d.Observe(rec.record)

	d.SetCommentTag(0, "c1")
	d.SetCommentTag(2, "c3")
	d.ClearCommentTag(2)
	d.SetCommentTag(7, "out-of-range")

	assert.Equal(t, []string{"c1", "", ""}, d.CommentTags())
	tag, ok := d.CommentTag(0)
	assert.True(t, ok)
	assert.Equal(t, "c1", tag)
	_, ok = d.CommentTag(7)
	assert.False(t, ok)

	assert.Equal(t, 3, d.Writes())
	assert.Equal(t, []models.TagWrite{{Index: 0, ID: "c1"}, {Index: 2, ID: "c3"}, {Index: 2}}, sunk)
	assert.Equal(t, []models.MutationKind{models.MutationAttribute, models.MutationAttribute, models.MutationAttribute}, rec.kinds())
}

func TestDocument_AppendAndRemove(t *testing.T) {
	d := parseTestPage(t)
	rec := &recorder{}
	cancel := d.Observe(rec.record)

	require.NoError(t, d.AppendComments(`<li class="comment new">four</li><li class="comment">five</li>`))
	assert.Equal(t, 5, d.CommentCount())

	rec.mu.Lock()
	require.Len(t, rec.muts, 1)
	m := rec.muts[0]
	rec.mu.Unlock()
	assert.Equal(t, models.MutationChildList, m.Kind)
	require.Len(t, m.Added, 2)
	assert.Equal(t, "li", m.Added[0].Tag)
	assert.True(t, m.Added[0].HasClass("new"))

	d.RemoveComment(0)
	assert.Equal(t, 4, d.CommentCount())

	cancel()
	d.RemoveComment(0)
	assert.Len(t, rec.kinds(), 2)
}

func TestDocument_AppendWithoutContainer(t *testing.T) {
	d := New("https://example.test/", testSelectors)
	assert.False(t, d.HasCommentContainer())
	assert.Error(t, d.AppendComments(`<li class="comment">x</li>`))
}

func TestDocument_ReplaceCommentList(t *testing.T) {
	d := parseTestPage(t)
	d.SetCommentTag(0, "c1")

	d.ReplaceCommentList(`<ul class="comments"><li class="comment" data-post-id="c9">x</li></ul>`, nil, 3)

	assert.Equal(t, []string{"c9"}, d.CommentTags())
}

func TestDocument_SortLabel(t *testing.T) {
	d := parseTestPage(t)
	rec := &recorder{}
	d.Observe(rec.record)

	label, ok := d.SortLabel()
	require.True(t, ok)
	assert.Equal(t, "latest", label)

	d.SetSortLabel("latest")
	assert.Empty(t, rec.kinds(), "unchanged label emits nothing")

	d.SetSortLabel("oldest")
	label, _ = d.SortLabel()
	assert.Equal(t, "oldest", label)
	assert.Equal(t, []models.MutationKind{models.MutationSortLabel}, rec.kinds())
}

func TestDocument_SortLabelCreatedWhenMissing(t *testing.T) {
	d := New("https://example.test/", testSelectors)
	_, ok := d.SortLabel()
	assert.False(t, ok)

	d.SetSortLabel("likes")

	label, ok := d.SortLabel()
	require.True(t, ok)
	assert.Equal(t, "likes", label)
}

func TestDocument_Navigation(t *testing.T) {
	d := parseTestPage(t)
	rec := &recorder{}
	d.Observe(rec.record)

	d.Navigate("https://example.test/project/abc")
	assert.Empty(t, rec.kinds())

	d.Navigate("https://example.test/project/def")
	assert.Equal(t, "https://example.test/project/def", d.URL())

	require.NoError(t, d.Load("https://example.test/project/ghi", `<html><body><ul class="comments"></ul></body></html>`))
	assert.Equal(t, 0, d.CommentCount())
	assert.True(t, d.HasCommentContainer())
	assert.Equal(t, []models.MutationKind{models.MutationNavigation, models.MutationNavigation}, rec.kinds())
}

func TestDocument_PageMetadata(t *testing.T) {
	d := parseTestPage(t)

	assert.Equal(t, "csrf-abc", d.MetaContent("csrf-token"))
	assert.Empty(t, d.MetaContent("missing"))

	scripts := d.InlineScripts()
	require.Len(t, scripts, 1)
	assert.Contains(t, scripts[0], `"token":"jwt-1"`)
}

func TestDocument_StorageAndCookie(t *testing.T) {
	d := New("https://example.test/", testSelectors)
	items := map[string]string{"entryToken": `{"token":"t"}`}
	d.SetStorage(LocalStorage, items)
	items["entryToken"] = "mutated"

	v, ok := d.StorageItem(LocalStorage, "entryToken")
	require.True(t, ok)
	assert.Equal(t, `{"token":"t"}`, v)
	_, ok = d.StorageItem(SessionStorage, "entryToken")
	assert.False(t, ok)

	d.SetCookie("a=1; token=xyz")
	assert.Equal(t, "a=1; token=xyz", d.Cookie())
}

func TestDocument_HTML(t *testing.T) {
	d := parseTestPage(t)
	d.SetCommentTag(1, "c2")

	html, err := d.HTML()
	require.NoError(t, err)
	assert.Contains(t, html, `data-post-id="c2"`)
}
