package handlers

import "sync"

// DefaultVisitCapacity is the number of remote ips a visitSet remembers.
const DefaultVisitCapacity = 64 * 1024

type visitNode struct {
	prev *visitNode
	next *visitNode
	ip   string
}

// visitList is a doubly linked list, most recent visit at the head.
type visitList struct {
	head   *visitNode
	tail   *visitNode
	length int
}

func (l *visitList) pushHead(n *visitNode) {
	if l.head == nil {
		l.head, l.tail = n, n
	} else {
		n.next, l.head.prev, l.head = l.head, n, n
	}
	l.length++
}

func (l *visitList) remove(n *visitNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.next, n.prev = nil, nil
	l.length--
}

func (l *visitList) moveToHead(n *visitNode) {
	if l.head == n {
		return
	}
	l.remove(n)
	l.pushHead(n)
}

// visitSet remembers the most recently seen remote ips. Once full, the ip
// seen least recently is forgotten and counts as a first visit again.
type visitSet struct {
	mu       sync.Mutex
	capacity int
	nodes    map[string]*visitNode
	order    visitList
}

func newVisitSet(capacity int) *visitSet {
	if capacity <= 0 {
		capacity = DefaultVisitCapacity
	}
	return &visitSet{
		capacity: capacity,
		nodes:    make(map[string]*visitNode),
	}
}

// visit records ip and reports whether it was already known.
func (s *visitSet) visit(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[ip]; ok {
		s.order.moveToHead(n)
		return true
	}

	if s.order.length >= s.capacity {
		oldest := s.order.tail
		s.order.remove(oldest)
		delete(s.nodes, oldest.ip)
	}
	n := &visitNode{ip: ip}
	s.order.pushHead(n)
	s.nodes[ip] = n
	return false
}

func (s *visitSet) contains(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[ip]
	return ok
}

func (s *visitSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.length
}
