// Package list is an intrusive doubly linked list. Front is the oldest
// element, Back the newest.
package list

type List[V any] struct {
	front, back *Elem[V]
	length      int
}

type Elem[V any] struct {
	Value V

	prev, next *Elem[V]
	list       *List[V]
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the element after e, towards Back.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

// Prev returns the element before e, towards Front.
func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Front() *Elem[V] {
	return l.front
}

func (l *List[V]) Back() *Elem[V] {
	return l.back
}

func (l *List[V]) Len() int {
	return l.length
}

func (l *List[V]) PushBack(e *Elem[V]) *Elem[V] {
	if e.list != nil {
		panic("elem already belongs to a list")
	}
	l.length++
	e.list = l

	if l.back == nil {
		l.front = e
		l.back = e
		return e
	}

	e.prev = l.back
	l.back.next = e
	l.back = e
	return e
}

// MoveToBack moves an existing element to the back in O(1).
func (l *List[V]) MoveToBack(e *Elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	if l.back == e {
		return
	}
	l.unlink(e)
	e.prev = l.back
	e.next = nil
	l.back.next = e
	l.back = e
}

func (l *List[V]) PopElem(e *Elem[V]) *Elem[V] {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	l.length--
	l.unlink(e)
	e.prev = nil
	e.next = nil
	e.list = nil
	return e
}

// Reset drops all elements. Outstanding elements must not be reused
// with l afterwards.
func (l *List[V]) Reset() {
	for e := l.front; e != nil; {
		next := e.next
		e.prev, e.next, e.list = nil, nil, nil
		e = next
	}
	l.front, l.back, l.length = nil, nil, 0
}

func (l *List[V]) unlink(e *Elem[V]) {
	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}
}
