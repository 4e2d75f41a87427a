package outbox

import "sync"

// Drafts holds unsent input per conversation.
type Drafts struct {
	mu    sync.Mutex
	texts map[string]string
}

func NewDrafts() *Drafts {
	return &Drafts{texts: make(map[string]string)}
}

func (d *Drafts) Set(linkKey, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if text == "" {
		delete(d.texts, linkKey)
		return
	}
	d.texts[linkKey] = text
}

func (d *Drafts) Get(linkKey string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.texts[linkKey]
}

func (d *Drafts) Clear(linkKey string) { d.Set(linkKey, "") }
