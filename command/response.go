package command

// Field is one decoded value of a response together with its unit.
type Field struct {
	Name  string
	Value interface{}
	Unit  string
}

// Response holds the decoded fields of one command, in schema order. Field names are unique.
type Response struct {
	fields []Field
	index  map[string]int
}

func (r *Response) add(f Field) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if _, exists := r.index[f.Name]; exists {
		return
	}
	r.index[f.Name] = len(r.fields)
	r.fields = append(r.fields, f)
}

// Get returns the named field, if the response carried it.
func (r Response) Get(name string) (Field, bool) {
	i, ok := r.index[name]
	if !ok {
		return Field{}, false
	}
	return r.fields[i], true
}

// Fields returns the decoded fields in schema order.
func (r Response) Fields() []Field {
	return r.fields
}

func (r Response) Len() int {
	return len(r.fields)
}

// Map returns the fields keyed by name.
func (r Response) Map() map[string]Field {
	m := make(map[string]Field, len(r.fields))
	for _, f := range r.fields {
		m[f.Name] = f
	}
	return m
}
