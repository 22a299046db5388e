package param

import "sync"

// Store holds the declared parameters of one document and the overrides the
// user has applied on top of them. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	params    []Parameter
	index     map[string]int
	overrides map[string]Value
	onChange  func()
}

// NewStore returns an empty store. onChange, if non-nil, runs after every
// override change, outside the store's lock.
func NewStore(onChange func()) *Store {
	return &Store{
		index:     make(map[string]int),
		overrides: make(map[string]Value),
		onChange:  onChange,
	}
}

// SetDeclarations replaces the declared set. Overrides survive only when a
// parameter of the same name is still declared.
func (s *Store) SetDeclarations(params []Parameter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.params = make([]Parameter, 0, len(params))
	s.index = make(map[string]int, len(params))
	for _, p := range params {
		if i, dup := s.index[p.Name]; dup {
			// last declaration wins, as in OpenSCAD itself
			s.params[i] = p
			continue
		}
		s.index[p.Name] = len(s.params)
		s.params = append(s.params, p)
	}

	for name, v := range s.overrides {
		i, ok := s.index[name]
		if !ok {
			delete(s.overrides, name)
			continue
		}
		if cv, ok := Coerce(v, s.params[i].Kind()); ok {
			s.overrides[name] = cv
		} else {
			delete(s.overrides, name)
		}
	}
}

// SetOverride sets the value used for name in place of its default. A nil
// value removes the override. Unknown names are ignored, as are values that
// cannot be converted to the declared kind.
func (s *Store) SetOverride(name string, v Value) {
	if !s.setOverride(name, v) {
		return
	}
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Store) setOverride(name string, v Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[name]
	if !ok {
		return false
	}
	if v == nil {
		delete(s.overrides, name)
		return true
	}
	cv, ok := Coerce(v, s.params[i].Kind())
	if !ok {
		return false
	}
	s.overrides[name] = cv
	return true
}

// Parameters returns the declared parameters in declaration order.
func (s *Store) Parameters() []Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Parameter, len(s.params))
	copy(out, s.params)
	return out
}

// Overrides returns a snapshot of the current overrides.
func (s *Store) Overrides() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.overrides))
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

// Value returns the effective value of name.
func (s *Store) Value(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	if v, ok := s.overrides[name]; ok {
		return v, true
	}
	return s.params[i].Default, true
}

// RenderArgs returns one name=value definition per declared parameter, in
// declaration order, using the override when there is one.
func (s *Store) RenderArgs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	args := make([]string, 0, len(s.params))
	for _, p := range s.params {
		v := p.Default
		if o, ok := s.overrides[p.Name]; ok {
			v = o
		}
		args = append(args, p.Name+"="+v.Literal())
	}
	return args
}
