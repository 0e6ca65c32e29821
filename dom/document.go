// Package dom holds the in-process mirror of the host page: the comment list,
// the sort control, page metadata and client-side storage. The sync loop
// reads and tags this mirror; the page bridge keeps it in step with the
// browser and forwards tag writes back.
package dom

import (
	"fmt"
	"strings"
	"sync"

	"commentsync/models"

	"github.com/PuerkitoBio/goquery"
)

// Selectors locate the parts of the page the mirror exposes.
type Selectors struct {
	Container   string
	Item        string
	SortLabel   string
	IDAttribute string
}

// StorageArea is one of the browser's key/value stores.
type StorageArea string

const (
	LocalStorage   StorageArea = "local"
	SessionStorage StorageArea = "session"
)

// Document is a goquery-backed page mirror. It is safe for concurrent use.
type Document struct {
	mu  sync.Mutex
	doc *goquery.Document
	url string
	sel Selectors

	storage map[StorageArea]map[string]string
	cookie  string

	observers map[int]func(models.Mutation)
	nextObs   int
	sink      func(models.TagWrite)
	writes    int
}

// New returns a mirror of an empty page at url.
func New(url string, sel Selectors) *Document {
	d, err := Parse(url, "<html><head></head><body></body></html>", sel)
	if err != nil {
		panic(fmt.Sprintf("dom: empty document does not parse: %v", err))
	}
	return d
}

// Parse returns a mirror of the given HTML.
func Parse(url, html string, sel Selectors) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("dom: parse document for %s: %w", url, err)
	}
	if sel.IDAttribute == "" {
		sel.IDAttribute = "data-post-id"
	}
	return &Document{
		doc:       doc,
		url:       url,
		sel:       sel,
		storage:   map[StorageArea]map[string]string{},
		observers: map[int]func(models.Mutation){},
	}, nil
}

// Observe registers fn for every subsequent mutation. fn is called without
// the document lock held and may read the document.
func (d *Document) Observe(fn func(models.Mutation)) (cancel func()) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// SetWriteSink installs fn to receive every tag write, e.g. to replay it in
// the browser.
func (d *Document) SetWriteSink(fn func(models.TagWrite)) {
	d.mu.Lock()
	d.sink = fn
	d.mu.Unlock()
}

func (d *Document) emit(m models.Mutation) {
	d.mu.Lock()
	fns := make([]func(models.Mutation), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// URL returns the current page URL.
func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Navigate records an in-page (history API) navigation.
func (d *Document) Navigate(url string) {
	d.mu.Lock()
	changed := d.url != url
	d.url = url
	d.mu.Unlock()
	if changed {
		d.emit(models.Mutation{Kind: models.MutationNavigation, URL: url})
	}
}

// Load replaces the mirrored document, as after a full page load.
func (d *Document) Load(url, html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("dom: parse document for %s: %w", url, err)
	}
	d.mu.Lock()
	changed := d.url != url
	d.doc = doc
	d.url = url
	d.mu.Unlock()
	if changed {
		d.emit(models.Mutation{Kind: models.MutationNavigation, URL: url})
	}
	return nil
}

func (d *Document) container() *goquery.Selection {
	return d.doc.Find(d.sel.Container).First()
}

func (d *Document) items() *goquery.Selection {
	return d.container().ChildrenFiltered(d.sel.Item)
}

// HasCommentContainer reports whether the comment list element exists.
func (d *Document) HasCommentContainer() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.container().Length() > 0
}

// CommentCount is the number of comment nodes currently in the list.
func (d *Document) CommentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items().Length()
}

// CommentTag returns the identity attribute of the node at index i.
func (d *Document) CommentTag(i int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node := d.items().Eq(i)
	if node.Length() == 0 {
		return "", false
	}
	return node.Attr(d.sel.IDAttribute)
}

// CommentTags returns the identity attribute of every node, "" when absent.
func (d *Document) CommentTags() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	items := d.items()
	tags := make([]string, items.Length())
	items.Each(func(i int, s *goquery.Selection) {
		tags[i] = s.AttrOr(d.sel.IDAttribute, "")
	})
	return tags
}

// SetCommentTag writes id to the node at index i.
func (d *Document) SetCommentTag(i int, id string) {
	d.writeTag(i, id)
}

// ClearCommentTag removes the identity attribute of the node at index i.
func (d *Document) ClearCommentTag(i int) {
	d.writeTag(i, "")
}

func (d *Document) writeTag(i int, id string) {
	d.mu.Lock()
	node := d.items().Eq(i)
	if node.Length() == 0 {
		d.mu.Unlock()
		return
	}
	if id == "" {
		node.RemoveAttr(d.sel.IDAttribute)
	} else {
		node.SetAttr(d.sel.IDAttribute, id)
	}
	d.writes++
	sink := d.sink
	d.mu.Unlock()

	w := models.TagWrite{Index: i, ID: id}
	if sink != nil {
		sink(w)
	}
	d.emit(models.Mutation{Kind: models.MutationAttribute})
}

// Writes counts identity attribute writes since the mirror was created.
func (d *Document) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// SortLabel returns the visible text of the sort control.
func (d *Document) SortLabel() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sel.SortLabel == "" {
		return "", false
	}
	s := d.doc.Find(d.sel.SortLabel).First()
	if s.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(s.Text()), true
}

// SetSortLabel changes the sort control text, creating the control if the
// page has none.
func (d *Document) SetSortLabel(label string) {
	d.mu.Lock()
	s := d.doc.Find(d.sel.SortLabel).First()
	if s.Length() > 0 && strings.TrimSpace(s.Text()) == label {
		d.mu.Unlock()
		return
	}
	if s.Length() == 0 {
		d.doc.Find("body").AppendHtml(sortControlHTML(d.sel.SortLabel))
		s = d.doc.Find(d.sel.SortLabel).First()
	}
	s.SetText(label)
	d.mu.Unlock()
	d.emit(models.Mutation{Kind: models.MutationSortLabel, Label: label})
}

// AppendComments appends item HTML to the comment list, creating the list
// if the page has none.
func (d *Document) AppendComments(html string) error {
	d.mu.Lock()
	c := d.container()
	if c.Length() == 0 {
		d.mu.Unlock()
		return fmt.Errorf("dom: comment container %q not present", d.sel.Container)
	}
	before := c.Children().Length()
	c.AppendHtml(html)
	after := c.Children()
	added := describe(after.Slice(before, after.Length()))
	d.mu.Unlock()

	if len(added) > 0 {
		d.emit(models.Mutation{Kind: models.MutationChildList, Added: added})
	}
	return nil
}

// RemoveComment removes the comment node at index i.
func (d *Document) RemoveComment(i int) {
	d.mu.Lock()
	node := d.items().Eq(i)
	if node.Length() == 0 {
		d.mu.Unlock()
		return
	}
	node.Remove()
	d.mu.Unlock()
	d.emit(models.Mutation{Kind: models.MutationChildList, Removed: 1})
}

// ReplaceCommentList replaces the list with containerHTML (the container's
// outer HTML as rendered by the browser) and reports the given changes.
func (d *Document) ReplaceCommentList(containerHTML string, added []models.AddedNode, removed int) {
	d.mu.Lock()
	c := d.container()
	if c.Length() > 0 {
		c.ReplaceWithHtml(containerHTML)
	} else {
		d.doc.Find("body").AppendHtml(containerHTML)
	}
	d.mu.Unlock()
	d.emit(models.Mutation{Kind: models.MutationChildList, Added: added, Removed: removed})
}

// MetaContent returns the content attribute of <meta name=name>.
func (d *Document) MetaContent(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Find(fmt.Sprintf("meta[name=%q]", name)).First().AttrOr("content", "")
}

// InlineScripts returns the text of every inline <script> element.
func (d *Document) InlineScripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var scripts []string
	d.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		if text := s.Text(); strings.TrimSpace(text) != "" {
			scripts = append(scripts, text)
		}
	})
	return scripts
}

// SetStorage replaces the contents of one storage area.
func (d *Document) SetStorage(area StorageArea, items map[string]string) {
	copied := make(map[string]string, len(items))
	for k, v := range items {
		copied[k] = v
	}
	d.mu.Lock()
	d.storage[area] = copied
	d.mu.Unlock()
}

// StorageItem returns the value stored under key in area.
func (d *Document) StorageItem(area StorageArea, key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.storage[area][key]
	return v, ok
}

// SetCookie replaces the document.cookie string.
func (d *Document) SetCookie(cookie string) {
	d.mu.Lock()
	d.cookie = cookie
	d.mu.Unlock()
}

// Cookie returns the document.cookie string.
func (d *Document) Cookie() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cookie
}

// HTML serializes the mirrored document.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return goquery.OuterHtml(d.doc.Selection)
}

func describe(s *goquery.Selection) []models.AddedNode {
	var nodes []models.AddedNode
	s.Each(func(_ int, n *goquery.Selection) {
		nodes = append(nodes, models.AddedNode{
			Tag:     goquery.NodeName(n),
			Classes: strings.Fields(n.AttrOr("class", "")),
		})
	})
	return nodes
}

// sortControlHTML builds minimal markup matching a "parent-classes span"
// selector so a sort label can be set on pages that lack the control.
func sortControlHTML(selector string) string {
	parent, _, _ := strings.Cut(selector, " ")
	classes := strings.Split(strings.TrimPrefix(parent, "."), ".")
	return fmt.Sprintf(`<div class="%s"><span></span></div>`, strings.Join(classes, " "))
}
