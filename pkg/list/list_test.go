package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func values[V any](l *List[V]) []V {
	var out []V
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

func TestList(t *testing.T) {
	l := New[int]()
	a := l.PushBack(NewElem(1))
	b := l.PushBack(NewElem(2))
	c := l.PushBack(NewElem(3))
	assert.Equal(t, []int{1, 2, 3}, values(l))
	assert.Equal(t, 3, l.Len())

	l.MoveToBack(a)
	assert.Equal(t, []int{2, 3, 1}, values(l))
	assert.Same(t, a, l.Back())
	assert.Same(t, b, l.Front())

	l.PopElem(c)
	assert.Equal(t, []int{2, 1}, values(l))
	assert.Nil(t, c.Next())
	assert.Nil(t, c.Prev())

	l.MoveToBack(a)
	assert.Equal(t, []int{2, 1}, values(l))
	assert.Same(t, b, a.Prev())

	l.Reset()
	assert.Zero(t, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())

	// elements are free to join another list after Reset
	l2 := New[int]()
	l2.PushBack(a)
	assert.Equal(t, []int{1}, values(l2))
}

func TestList_panicsOnForeignElem(t *testing.T) {
	l1, l2 := New[int](), New[int]()
	e := l1.PushBack(NewElem(1))
	assert.Panics(t, func() { l2.MoveToBack(e) })
	assert.Panics(t, func() { l2.PopElem(e) })
	assert.Panics(t, func() { l2.PushBack(e) })
}
