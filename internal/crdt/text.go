package crdt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Text is a handle to one named text root of a Doc.
type Text struct {
	doc  *Doc
	name string
}

func (t *Text) Name() string { return t.name }

// Insert inserts s before the rune at index.
func (t *Text) Insert(index int, s string) error {
	return t.InsertWithOrigin(index, s, LocalOrigin)
}

func (t *Text) InsertWithOrigin(index int, s string, origin Origin) error {
	if s == "" {
		return nil
	}
	d := t.doc
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	prev, err := t.itemBeforeLocked(index)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	var applied update
	for _, r := range s {
		d.clock++
		rec := insertRecord{
			ID:      ID{Client: d.client, Clock: d.clock},
			Root:    t.name,
			Origin:  prev,
			Content: string(r),
		}
		d.insertLocked(rec)
		applied.Inserts = append(applied.Inserts, rec)
		prev = rec.ID
	}
	handlers := d.handlersLocked()
	d.mu.Unlock()

	d.emit(handlers, applied, origin)
	return nil
}

// Delete removes n runes starting at index.
func (t *Text) Delete(index, n int) error {
	return t.DeleteWithOrigin(index, n, LocalOrigin)
}

func (t *Text) DeleteWithOrigin(index, n int, origin Origin) error {
	if n <= 0 {
		return nil
	}
	d := t.doc
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	var applied update
	pos := 0
	for it := d.headLocked(t.name).next; it != nil && len(applied.Deletes) < n; it = it.next {
		if it.deleted {
			continue
		}
		if pos >= index {
			it.deleted = true
			applied.Deletes = append(applied.Deletes, it.id)
		}
		pos++
	}
	if len(applied.Deletes) < n {
		d.mu.Unlock()
		return fmt.Errorf("crdt: delete [%d,%d) out of range", index, index+n)
	}
	handlers := d.handlersLocked()
	d.mu.Unlock()

	d.emit(handlers, applied, origin)
	return nil
}

func (t *Text) String() string {
	d := t.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for it := d.headLocked(t.name).next; it != nil; it = it.next {
		if !it.deleted {
			b.WriteString(it.content)
		}
	}
	return b.String()
}

// Len is the number of visible runes.
func (t *Text) Len() int {
	return utf8.RuneCountInString(t.String())
}

// itemBeforeLocked returns the id of the visible item preceding index, or
// the zero id for the start of the text.
func (t *Text) itemBeforeLocked(index int) (ID, error) {
	if index < 0 {
		return ID{}, fmt.Errorf("crdt: index %d out of range", index)
	}
	if index == 0 {
		return ID{}, nil
	}
	pos := 0
	for it := t.doc.headLocked(t.name).next; it != nil; it = it.next {
		if it.deleted {
			continue
		}
		pos++
		if pos == index {
			return it.id, nil
		}
	}
	return ID{}, fmt.Errorf("crdt: index %d out of range", index)
}

// ContentRoot is the text root holding a note's body.
const ContentRoot = "content"

// ReadText decodes a full-state update and returns the named text.
func ReadText(state []byte, name string) (string, error) {
	doc := NewDocWithClientID(0)
	defer doc.Destroy()
	if err := doc.ApplyUpdate(state, ""); err != nil {
		return "", err
	}
	return doc.Text(name).String(), nil
}
