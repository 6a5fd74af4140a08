package mediator

// pending holds writes made while the mediator is unreachable. Writes to a
// key already queued overwrite its value in place.
type pending struct {
	limit  int
	order  []string
	values map[string]any
}

func newPending(limit int) *pending {
	return &pending{limit: limit, values: make(map[string]any, limit)}
}

// put reports false when key is new and the queue is full.
func (p *pending) put(key string, value any) bool {
	if _, ok := p.values[key]; ok {
		p.values[key] = value
		return true
	}
	if len(p.order) >= p.limit {
		return false
	}
	p.order = append(p.order, key)
	p.values[key] = value
	return true
}

func (p *pending) head() (string, any, bool) {
	if len(p.order) == 0 {
		return "", nil, false
	}
	k := p.order[0]
	return k, p.values[k], true
}

func (p *pending) pop() {
	if len(p.order) == 0 {
		return
	}
	delete(p.values, p.order[0])
	p.order = p.order[1:]
}

func (p *pending) len() int { return len(p.order) }
